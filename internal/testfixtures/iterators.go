// Package testfixtures provides iterators and sources with predictable output
// for tests of the cursor, worker and player packages.
package testfixtures

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/withobsrvr/flowscope/internal/model"
)

// Msg returns a message event on topic received ms milliseconds after zero.
func Msg(topic string, ms int64) model.IteratorResult {
	t := model.FromMillis(ms)
	return model.NewMessageResult(model.MessageEvent{
		Topic:       topic,
		SchemaName:  "test/Message",
		ReceiveTime: t,
		PublishTime: t,
		Message:     []byte(fmt.Sprintf("%s@%s", topic, t)),
		SizeInBytes: len(topic) + 1 + len(t.String()),
	})
}

// Stamp returns a stamp at ms milliseconds.
func Stamp(ms int64) model.IteratorResult {
	return model.NewStampResult(model.FromMillis(ms))
}

// Problem returns a warning problem result.
func Problem(msg string) model.IteratorResult {
	return model.NewProblemResult(model.Problem{Severity: model.SeverityWarn, Message: msg})
}

// SliceIterator replays a fixed slice of results and counts what it hands out.
type SliceIterator struct {
	mu      sync.Mutex
	results []model.IteratorResult
	pos     int
	calls   int
	closes  int

	// Delay is applied before each pull; ctx cancellation cuts it short.
	Delay time.Duration
	// Gate, when non-nil, makes each pull wait for a receive or ctx.
	Gate chan struct{}
	// Err, when set, is returned once the slice is exhausted.
	Err error
}

// NewSliceIterator returns an iterator over results.
func NewSliceIterator(results ...model.IteratorResult) *SliceIterator {
	return &SliceIterator{results: results}
}

// Next implements source.MessageIterator.
func (it *SliceIterator) Next(ctx context.Context) (model.IteratorResult, bool, error) {
	it.mu.Lock()
	it.calls++
	delay, gate := it.Delay, it.Gate
	it.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.IteratorResult{}, false, ctx.Err()
		case <-timer.C:
		}
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return model.IteratorResult{}, false, ctx.Err()
		case <-gate:
		}
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closes > 0 || it.pos >= len(it.results) {
		return model.IteratorResult{}, false, it.Err
	}
	r := it.results[it.pos]
	it.pos++
	return r, true, nil
}

// Close implements source.MessageIterator.
func (it *SliceIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closes++
	return nil
}

// Consumed reports how many results have been handed out.
func (it *SliceIterator) Consumed() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.pos
}

// Calls reports how many times Next was entered.
func (it *SliceIterator) Calls() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.calls
}

// Closes reports how many times Close was called.
func (it *SliceIterator) Closes() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.closes
}
