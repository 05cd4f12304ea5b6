package player

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// readAhead fills a buffer from a cursor with sequential ReadUntil calls, up
// to limit past the consumer's position.
type readAhead struct {
	cur   cursor.Cursor
	step  time.Duration
	limit time.Duration
	end   model.Time

	mu       sync.Mutex
	buf      []model.IteratorResult
	loaded   model.Time
	consumed model.Time
	// done is set once a read has covered end.
	done     bool
	err      error

	space  chan struct{}
	cancel context.CancelFunc
	exited chan struct{}
}

// startReadAhead begins reading from cur with the buffer marked loaded up to
// from. Results at from itself are still buffered when the cursor yields them,
// and at least one read is made even when from is already end.
func startReadAhead(ctx context.Context, cur cursor.Cursor, from, end model.Time, step, limit time.Duration) *readAhead {
	ctx, cancel := context.WithCancel(ctx)
	ra := &readAhead{
		cur:      cur,
		step:     step,
		limit:    limit,
		end:      end,
		loaded:   from,
		consumed: from,
		space:    make(chan struct{}, 1),
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
	go ra.produce(ctx)
	return ra
}

func (ra *readAhead) produce(ctx context.Context) {
	defer close(ra.exited)
	for {
		ra.mu.Lock()
		if ra.done || ra.loaded.After(ra.end) {
			ra.done = true
			ra.mu.Unlock()
			return
		}
		full := model.Sub(ra.loaded, ra.consumed) >= ra.limit
		target := model.Min(ra.loaded.Add(ra.step), ra.end)
		ra.mu.Unlock()

		if full {
			select {
			case <-ra.space:
				continue
			case <-ctx.Done():
				return
			}
		}

		results, ok, err := ra.cur.ReadUntil(ctx, target)
		if err != nil {
			logger.Warn("Read-ahead failed", zap.Stringer("until", target), zap.Error(err))
			ra.mu.Lock()
			ra.err = err
			ra.mu.Unlock()
			return
		}
		if !ok {
			return
		}
		ra.mu.Lock()
		ra.buf = append(ra.buf, results...)
		ra.loaded = target
		ra.done = !target.Before(ra.end)
		ra.mu.Unlock()
	}
}

// Take removes and returns every buffered result up to upTo, with problems
// kept in stream order. It also reports how far the buffer is loaded.
func (ra *readAhead) Take(upTo model.Time) ([]model.IteratorResult, model.Time) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	n := 0
	for n < len(ra.buf) {
		if t, ok := ra.buf[n].ComparableTime(); ok && t.After(upTo) {
			break
		}
		n++
	}
	out := append([]model.IteratorResult(nil), ra.buf[:n]...)
	ra.buf = ra.buf[n:]
	if upTo.After(ra.consumed) {
		ra.consumed = upTo
		select {
		case ra.space <- struct{}{}:
		default:
		}
	}
	return out, ra.loaded
}

// Loaded is the time up to which every result has been buffered.
func (ra *readAhead) Loaded() model.Time {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.loaded
}

// Buffered is the span loaded past the consumer's position.
func (ra *readAhead) Buffered() time.Duration {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if d := model.Sub(ra.loaded, ra.consumed); d > 0 {
		return d
	}
	return 0
}

// Done reports whether everything up to end has been loaded.
func (ra *readAhead) Done() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.done
}

func (ra *readAhead) Err() error {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.err
}

// Stop cancels the in-flight read and waits for the producer to exit.
func (ra *readAhead) Stop() {
	ra.cancel()
	<-ra.exited
}
