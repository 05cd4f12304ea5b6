// Package cursor turns a single-pass message iterator into a resource that
// supports single reads, time-windowed batches and bounded reads up to a time.
//
// Every read returns (value, ok, err). ok is false when the read was cancelled
// or the iterator is exhausted; callers must treat that as "abandon this read",
// distinct from an empty slice (nothing in range) and from err (transport or
// source failure). Problems travel in-band as results.
package cursor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withobsrvr/flowscope/internal/metrics"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
)

var (
	// ErrCursorBusy is returned when a read overlaps another read on the same cursor.
	ErrCursorBusy = errors.New("cursor: another read is in progress")
	// ErrCursorEnded is returned by reads issued after End.
	ErrCursorEnded = errors.New("cursor: cursor has ended")
)

// Cursor is the read surface shared by local and worker-hosted cursors.
type Cursor interface {
	// Next returns the next result.
	Next(ctx context.Context) (model.IteratorResult, bool, error)

	// NextBatch returns results spanning roughly d from the first one.
	NextBatch(ctx context.Context, d time.Duration) ([]model.IteratorResult, bool, error)

	// ReadUntil returns every result with time at or before end.
	ReadUntil(ctx context.Context, end model.Time) ([]model.IteratorResult, bool, error)

	// End releases the underlying iterator.
	End() error
}

const (
	stateIdle int32 = iota
	stateBusy
	stateEnded
)

// IteratorCursor wraps one source.MessageIterator.
type IteratorCursor struct {
	iter  source.MessageIterator
	abort context.Context
	state atomic.Int32

	// stash holds a result read past a ReadUntil bound; every read consumes it first.
	stash *model.IteratorResult

	endOnce sync.Once
	endErr  error
}

var _ Cursor = (*IteratorCursor)(nil)

// New wraps iter. Cancelling abort cancels every current and future read.
func New(iter source.MessageIterator, abort context.Context) *IteratorCursor {
	if abort == nil {
		abort = context.Background()
	}
	return &IteratorCursor{iter: iter, abort: abort}
}

func (c *IteratorCursor) acquire() error {
	if c.state.CompareAndSwap(stateIdle, stateBusy) {
		return nil
	}
	if c.state.Load() == stateEnded {
		return ErrCursorEnded
	}
	return ErrCursorBusy
}

func (c *IteratorCursor) release() {
	c.state.CompareAndSwap(stateBusy, stateIdle)
}

// readContext merges the per-call ctx with the cursor's abort ctx.
func (c *IteratorCursor) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.abort, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

// cancelled reports whether ctx or the cursor's abort is done. The abort is
// checked directly since the AfterFunc merge in readContext runs asynchronously.
func (c *IteratorCursor) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || c.abort.Err() != nil
}

// pull takes the stash or one value from the iterator. ok is false when ctx was
// cancelled before or during the pull, or the iterator is exhausted.
func (c *IteratorCursor) pull(ctx context.Context) (model.IteratorResult, bool, error) {
	if c.cancelled(ctx) {
		return model.IteratorResult{}, false, nil
	}
	if c.stash != nil {
		r := *c.stash
		c.stash = nil
		return r, true, nil
	}
	r, ok, err := c.iter.Next(ctx)
	if c.cancelled(ctx) {
		return model.IteratorResult{}, false, nil
	}
	if err != nil {
		return model.IteratorResult{}, false, err
	}
	return r, ok, nil
}

// Next returns the stashed result if there is one, otherwise pulls exactly one
// value from the iterator.
func (c *IteratorCursor) Next(ctx context.Context) (res model.IteratorResult, ok bool, err error) {
	if err := c.acquire(); err != nil {
		return model.IteratorResult{}, false, err
	}
	defer c.release()
	defer func() {
		metrics.ObserveCursorRead("next", ok, err)
		if ok {
			countResults(res)
		}
	}()

	rctx, cancel := c.readContext(ctx)
	defer cancel()
	return c.pull(rctx)
}

// NextBatch pulls a first result and then keeps pulling until a result lies
// strictly past the first result's time plus d. That result is included.
// A problem ends the batch; a problem as the first result is returned alone.
// ok is false only when the first pull yields nothing.
func (c *IteratorCursor) NextBatch(ctx context.Context, d time.Duration) (batch []model.IteratorResult, ok bool, err error) {
	if err := c.acquire(); err != nil {
		return nil, false, err
	}
	defer c.release()
	defer func() {
		metrics.ObserveCursorRead("nextBatch", ok, err)
		if ok {
			countResults(batch...)
		}
	}()

	rctx, cancel := c.readContext(ctx)
	defer cancel()

	first, ok, err := c.pull(rctx)
	if err != nil || !ok {
		return nil, false, err
	}
	batch = []model.IteratorResult{first}
	if first.Type == model.ResultProblem {
		return batch, true, nil
	}
	start, _ := first.ComparableTime()
	cutoff := start.Add(d)

	for {
		r, more, err := c.pull(rctx)
		if err != nil {
			return nil, false, err
		}
		if !more {
			return batch, true, nil
		}
		batch = append(batch, r)
		if r.Type == model.ResultProblem {
			return batch, true, nil
		}
		if t, _ := r.ComparableTime(); t.After(cutoff) {
			return batch, true, nil
		}
	}
}

// ReadUntil returns every result whose time is at or before end, in order.
// The first result past end is kept for the next read instead of being
// returned. Problems are always included. If the kept result is already past
// end the call returns an empty slice without pulling. Cancellation before or
// during the read returns ok=false and drops results read so far; a kept
// result survives cancellation.
func (c *IteratorCursor) ReadUntil(ctx context.Context, end model.Time) (out []model.IteratorResult, ok bool, err error) {
	if err := c.acquire(); err != nil {
		return nil, false, err
	}
	defer c.release()
	defer func() {
		metrics.ObserveCursorRead("readUntil", ok, err)
		if ok {
			countResults(out...)
		}
	}()

	rctx, cancel := c.readContext(ctx)
	defer cancel()
	if c.cancelled(rctx) {
		return nil, false, nil
	}
	if c.stash != nil {
		if t, has := c.stash.ComparableTime(); has && t.After(end) {
			return []model.IteratorResult{}, true, nil
		}
	}

	out = []model.IteratorResult{}
	for {
		if c.cancelled(rctx) {
			return nil, false, nil
		}
		r, more, err := c.pull(rctx)
		if err != nil {
			return nil, false, err
		}
		if !more {
			if c.cancelled(rctx) {
				return nil, false, nil
			}
			return out, true, nil
		}
		if t, has := r.ComparableTime(); has && t.After(end) {
			c.stash = &r
			return out, true, nil
		}
		out = append(out, r)
	}
}

// End closes the underlying iterator once. Later reads fail with ErrCursorEnded.
func (c *IteratorCursor) End() error {
	c.state.Store(stateEnded)
	c.endOnce.Do(func() {
		c.endErr = c.iter.Close()
	})
	return c.endErr
}

func countResults(results ...model.IteratorResult) {
	for _, r := range results {
		metrics.CursorResults.WithLabelValues(r.Type.String()).Inc()
	}
}
