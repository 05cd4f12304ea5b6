package testfixtures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
)

// SyntheticSource emits one message per topic every Step between Start and End
// inclusive. Payloads are "topic@time" so tests can assert on them.
type SyntheticSource struct {
	Topics []string
	Start  model.Time
	End    model.Time
	Step   time.Duration
	// Delay is applied to every iterator pull.
	Delay time.Duration

	mu        sync.Mutex
	iterators int
	open      int
	backfills int
	closed    bool
}

// NewSyntheticSource builds a source spanning [0, span] with one message per
// topic every step.
func NewSyntheticSource(span, step time.Duration, topics ...string) *SyntheticSource {
	return &SyntheticSource{
		Topics: topics,
		End:    model.FromDuration(span),
		Step:   step,
	}
}

var errSourceClosed = errors.New("synthetic source closed")

// Initialize implements source.Source.
func (s *SyntheticSource) Initialize(ctx context.Context) (*model.Initialization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info := &model.Initialization{
		Start:      s.Start,
		End:        s.End,
		TopicStats: map[string]model.TopicStats{},
		Profile:    "synthetic",
	}
	n := int64(model.Sub(s.End, s.Start)/s.Step) + 1
	for _, t := range s.Topics {
		info.Topics = append(info.Topics, model.Topic{Name: t, SchemaName: "test/Message"})
		info.TopicStats[t] = model.TopicStats{NumMessages: n, FirstMessageTime: s.Start, LastMessageTime: s.at(n - 1)}
	}
	return info, nil
}

func (s *SyntheticSource) at(k int64) model.Time {
	return s.Start.Add(time.Duration(k) * s.Step)
}

// index returns the first step index whose time is >= t.
func (s *SyntheticSource) index(t model.Time) int64 {
	if !t.After(s.Start) {
		return 0
	}
	d := model.Sub(t, s.Start)
	k := int64(d / s.Step)
	if time.Duration(k)*s.Step < d {
		k++
	}
	return k
}

func (s *SyntheticSource) event(topic string, t model.Time) model.MessageEvent {
	payload := []byte(fmt.Sprintf("%s@%s", topic, t))
	return model.MessageEvent{
		Topic:       topic,
		SchemaName:  "test/Message",
		ReceiveTime: t,
		PublishTime: t,
		Message:     payload,
		SizeInBytes: len(payload),
	}
}

// MessageIterator implements source.Source.
func (s *SyntheticSource) MessageIterator(ctx context.Context, args source.IteratorArgs) (source.MessageIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSourceClosed
	}
	s.iterators++
	s.open++
	it := &syntheticIterator{src: s, end: s.End, topics: s.Topics}
	if args.Start != nil {
		it.k = s.index(*args.Start)
	}
	if args.End != nil {
		it.end = model.Min(*args.End, s.End)
		it.stampAt = args.End
	}
	if len(args.Topics) > 0 {
		it.topics = args.Topics
	}
	return it, nil
}

// GetBackfillMessages implements source.Source.
func (s *SyntheticSource) GetBackfillMessages(ctx context.Context, args source.BackfillArgs) ([]model.MessageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.backfills++
	s.mu.Unlock()
	if args.Time.Before(s.Start) {
		return []model.MessageEvent{}, nil
	}
	t := model.Min(args.Time, s.End)
	k := int64(model.Sub(t, s.Start) / s.Step)
	topics := args.Topics
	if len(topics) == 0 {
		topics = s.Topics
	}
	out := make([]model.MessageEvent, 0, len(topics))
	for _, topic := range topics {
		out = append(out, s.event(topic, s.at(k)))
	}
	return out, nil
}

// Close implements source.Source.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Iterators reports how many iterators were opened.
func (s *SyntheticSource) Iterators() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterators
}

// OpenIterators reports how many iterators have not been closed.
func (s *SyntheticSource) OpenIterators() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Backfills reports how many backfill requests were served.
func (s *SyntheticSource) Backfills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backfills
}

// Closed reports whether Close was called.
func (s *SyntheticSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type syntheticIterator struct {
	src     *SyntheticSource
	k       int64
	topic   int
	topics  []string
	end     model.Time
	stampAt *model.Time
	last    model.Time
	emitted bool
	done    bool
	closed  bool
}

func (it *syntheticIterator) Next(ctx context.Context) (model.IteratorResult, bool, error) {
	if it.closed || it.done {
		return model.IteratorResult{}, false, nil
	}
	if d := it.src.Delay; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.IteratorResult{}, false, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return model.IteratorResult{}, false, err
	}

	t := it.src.at(it.k)
	if t.After(it.end) || len(it.topics) == 0 {
		it.done = true
		if it.stampAt != nil && (!it.emitted || it.last.Before(*it.stampAt)) {
			return model.NewStampResult(*it.stampAt), true, nil
		}
		return model.IteratorResult{}, false, nil
	}
	ev := it.src.event(it.topics[it.topic], t)
	it.last, it.emitted = t, true
	it.topic++
	if it.topic == len(it.topics) {
		it.topic = 0
		it.k++
	}
	return model.NewMessageResult(ev), true, nil
}

func (it *syntheticIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.src.mu.Lock()
	it.src.open--
	it.src.mu.Unlock()
	return nil
}
