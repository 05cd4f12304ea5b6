package worker

import (
	"fmt"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
)

// Method names of the worker surface.
const (
	MethodWorkerInitialize    = "worker.initialize"
	MethodSourceInitialize    = "source.initialize"
	MethodMessageIterator     = "source.messageIterator"
	MethodIteratorNext        = "iterator.next"
	MethodIteratorReturn      = "iterator.return"
	MethodGetBackfillMessages = "source.getBackfillMessages"
	MethodGetMessageCursor    = "source.getMessageCursor"
	MethodCursorNext          = "cursor.next"
	MethodCursorNextBatch     = "cursor.nextBatch"
	MethodCursorReadUntil     = "cursor.readUntil"
	MethodCursorEnd           = "cursor.end"
	MethodSourceClose         = "source.close"
)

// noPayload marks a wireEvent whose message bytes were not transferred.
const noPayload = -1

// wireEvent is a MessageEvent without its bytes. Payload indexes the
// transfer list of the enclosing message.
type wireEvent struct {
	Topic   string     `codec:"topic"`
	Schema  string     `codec:"schema"`
	Receive model.Time `codec:"receive"`
	Publish model.Time `codec:"publish"`
	Size    int        `codec:"size"`
	Payload int        `codec:"payload"`
}

type wireResult struct {
	Type         model.ResultType `codec:"type"`
	Event        *wireEvent       `codec:"event,omitempty"`
	Stamp        model.Time       `codec:"stamp"`
	Problem      *model.Problem   `codec:"problem,omitempty"`
	ConnectionID int              `codec:"conn,omitempty"`
}

type handleArgs struct {
	Handle string `codec:"handle"`
}

type nextBatchArgs struct {
	Handle   string `codec:"handle"`
	Duration int64  `codec:"duration"`
}

type readUntilArgs struct {
	Handle string     `codec:"handle"`
	End    model.Time `codec:"end"`
}

type cursorArgs struct {
	Iterator source.IteratorArgs `codec:"iterator"`
}

// readReply answers every iterator and cursor read. OK false means the read
// was cancelled or the iterator is exhausted.
type readReply struct {
	Results []wireResult `codec:"results"`
	OK      bool         `codec:"ok"`
}

type backfillReply struct {
	Events []wireEvent `codec:"events"`
}

type initializeReply struct {
	OK bool `codec:"ok"`
}

// packer accumulates the transfer list for one reply.
type packer struct {
	transfer [][]byte
}

func (p *packer) event(ev *model.MessageEvent) *wireEvent {
	w := &wireEvent{
		Topic:   ev.Topic,
		Schema:  ev.SchemaName,
		Receive: ev.ReceiveTime,
		Publish: ev.PublishTime,
		Size:    ev.SizeInBytes,
		Payload: noPayload,
	}
	if ev.Message != nil {
		w.Payload = len(p.transfer)
		p.transfer = append(p.transfer, ev.Message)
	}
	return w
}

func (p *packer) results(results []model.IteratorResult) []wireResult {
	out := make([]wireResult, len(results))
	for i, r := range results {
		out[i] = wireResult{Type: r.Type, Stamp: r.Stamp, Problem: r.Problem, ConnectionID: r.ConnectionID}
		if r.MsgEvent != nil {
			out[i].Event = p.event(r.MsgEvent)
		}
	}
	return out
}

func unpackEvent(w *wireEvent, transfer [][]byte) (model.MessageEvent, error) {
	ev := model.MessageEvent{
		Topic:       w.Topic,
		SchemaName:  w.Schema,
		ReceiveTime: w.Receive,
		PublishTime: w.Publish,
		SizeInBytes: w.Size,
	}
	if w.Payload != noPayload {
		if w.Payload < 0 || w.Payload >= len(transfer) {
			return ev, fmt.Errorf("worker: payload index %d out of range (%d buffers)", w.Payload, len(transfer))
		}
		ev.Message = transfer[w.Payload]
	}
	return ev, nil
}

func unpackResults(ws []wireResult, transfer [][]byte) ([]model.IteratorResult, error) {
	out := make([]model.IteratorResult, len(ws))
	for i, w := range ws {
		out[i] = model.IteratorResult{Type: w.Type, Stamp: w.Stamp, Problem: w.Problem, ConnectionID: w.ConnectionID}
		if w.Event != nil {
			ev, err := unpackEvent(w.Event, transfer)
			if err != nil {
				return nil, err
			}
			out[i].MsgEvent = &ev
		}
	}
	return out, nil
}
