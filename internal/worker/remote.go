package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/rpc"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// releaseTimeout bounds the calls that free worker-side resources.
const releaseTimeout = 5 * time.Second

// RemoteSource is the host-side proxy of a source opened inside a worker.
type RemoteSource struct {
	client *rpc.Client
	args   source.Args

	closeOnce sync.Once
	closeErr  error
}

var _ cursor.Provider = (*RemoteSource)(nil)

// Dial asks the worker behind client to open the source described by args.
// The client stays owned by the caller.
func Dial(ctx context.Context, client *rpc.Client, args source.Args) (*RemoteSource, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	resp, err := client.Call(ctx, MethodWorkerInitialize, rpc.MustEncode(args))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize worker: %w", err)
	}
	var reply initializeReply
	if err := rpc.Decode(resp, &reply); err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, fmt.Errorf("worker refused source %s", args)
	}
	return &RemoteSource{client: client, args: args}, nil
}

func (s *RemoteSource) Initialize(ctx context.Context) (*model.Initialization, error) {
	resp, err := s.client.Call(ctx, MethodSourceInitialize, rpc.Message{})
	if err != nil {
		return nil, err
	}
	info := &model.Initialization{}
	if err := rpc.Decode(resp, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *RemoteSource) MessageIterator(ctx context.Context, args source.IteratorArgs) (source.MessageIterator, error) {
	resp, err := s.client.Call(ctx, MethodMessageIterator, rpc.MustEncode(args))
	if err != nil {
		return nil, err
	}
	var h handleArgs
	if err := rpc.Decode(resp, &h); err != nil {
		return nil, err
	}
	return &remoteIterator{client: s.client, handle: h.Handle}, nil
}

func (s *RemoteSource) GetBackfillMessages(ctx context.Context, args source.BackfillArgs) ([]model.MessageEvent, error) {
	resp, err := s.client.Call(ctx, MethodGetBackfillMessages, rpc.MustEncode(args))
	if err != nil {
		return nil, err
	}
	var reply backfillReply
	if err := rpc.Decode(resp, &reply); err != nil {
		return nil, err
	}
	events := make([]model.MessageEvent, len(reply.Events))
	for i := range reply.Events {
		if events[i], err = unpackEvent(&reply.Events[i], resp.Transfer); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// GetMessageCursor opens a cursor inside the worker. Cancelling abort makes
// every read on it return ok=false; the worker-side read is aborted too.
func (s *RemoteSource) GetMessageCursor(ctx context.Context, args source.IteratorArgs, abort context.Context) (cursor.Cursor, error) {
	if abort == nil {
		abort = context.Background()
	}
	resp, err := s.client.Call(ctx, MethodGetMessageCursor, rpc.MustEncode(cursorArgs{Iterator: args}))
	if err != nil {
		return nil, err
	}
	var h handleArgs
	if err := rpc.Decode(resp, &h); err != nil {
		return nil, err
	}
	return &RemoteCursor{client: s.client, handle: h.Handle, abort: abort}, nil
}

// Close closes the source inside the worker. The worker stays connected.
func (s *RemoteSource) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_, s.closeErr = s.client.Call(ctx, MethodSourceClose, rpc.Message{})
	})
	return s.closeErr
}

type remoteIterator struct {
	client *rpc.Client
	handle string
	closed atomic.Bool
}

func (it *remoteIterator) Next(ctx context.Context) (model.IteratorResult, bool, error) {
	if it.closed.Load() {
		return model.IteratorResult{}, false, nil
	}
	results, ok, err := read(ctx, it.client, MethodIteratorNext, handleArgs{Handle: it.handle})
	if err != nil || !ok || len(results) == 0 {
		return model.IteratorResult{}, false, err
	}
	return results[0], true, nil
}

func (it *remoteIterator) Close() error {
	if !it.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_, err := it.client.Call(ctx, MethodIteratorReturn, rpc.MustEncode(handleArgs{Handle: it.handle}))
	return err
}

// RemoteCursor proxies a cursor living in a worker.
type RemoteCursor struct {
	client *rpc.Client
	handle string
	abort  context.Context
	ended  atomic.Bool
}

var _ cursor.Cursor = (*RemoteCursor)(nil)

// callContext merges ctx with the cursor's abort context. ok is false when
// either is already done.
func (c *RemoteCursor) callContext(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if c.ended.Load() {
		return nil, nil, false
	}
	if c.abort.Err() != nil || ctx.Err() != nil {
		return nil, nil, false
	}
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.abort, cancel)
	return cctx, func() {
		stop()
		cancel()
	}, true
}

func (c *RemoteCursor) Next(ctx context.Context) (model.IteratorResult, bool, error) {
	if c.ended.Load() {
		return model.IteratorResult{}, false, cursor.ErrCursorEnded
	}
	cctx, cancel, ok := c.callContext(ctx)
	if !ok {
		return model.IteratorResult{}, false, nil
	}
	defer cancel()
	results, ok, err := read(cctx, c.client, MethodCursorNext, handleArgs{Handle: c.handle})
	if err != nil || !ok || len(results) == 0 {
		return model.IteratorResult{}, false, err
	}
	return results[0], true, nil
}

func (c *RemoteCursor) NextBatch(ctx context.Context, d time.Duration) ([]model.IteratorResult, bool, error) {
	if c.ended.Load() {
		return nil, false, cursor.ErrCursorEnded
	}
	cctx, cancel, ok := c.callContext(ctx)
	if !ok {
		return nil, false, nil
	}
	defer cancel()
	return read(cctx, c.client, MethodCursorNextBatch, nextBatchArgs{Handle: c.handle, Duration: int64(d)})
}

func (c *RemoteCursor) ReadUntil(ctx context.Context, end model.Time) ([]model.IteratorResult, bool, error) {
	if c.ended.Load() {
		return nil, false, cursor.ErrCursorEnded
	}
	cctx, cancel, ok := c.callContext(ctx)
	if !ok {
		return nil, false, nil
	}
	defer cancel()
	return read(cctx, c.client, MethodCursorReadUntil, readUntilArgs{Handle: c.handle, End: end})
}

// End releases the worker-side cursor. Later calls are no-ops.
func (c *RemoteCursor) End() error {
	if !c.ended.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := c.client.Call(ctx, MethodCursorEnd, rpc.MustEncode(handleArgs{Handle: c.handle})); err != nil {
		logger.Debug("Failed to end remote cursor", zap.String("handle", c.handle), zap.Error(err))
		return err
	}
	return nil
}

// read performs one read call. A cancelled ctx turns into ok=false rather than
// an error. A successful read always returns a non-nil slice.
func read(ctx context.Context, client *rpc.Client, method string, args any) ([]model.IteratorResult, bool, error) {
	resp, err := client.Call(ctx, method, rpc.MustEncode(args))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	var reply readReply
	if err := rpc.Decode(resp, &reply); err != nil {
		return nil, false, err
	}
	if !reply.OK {
		return nil, false, nil
	}
	results, err := unpackResults(reply.Results, resp.Transfer)
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}
