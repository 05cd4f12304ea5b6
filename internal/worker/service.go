// Package worker runs a source behind an rpc connection and gives the host a
// proxy for it. The worker side owns every iterator and cursor; the host only
// holds handles to them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/rpc"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/storage"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

var (
	// ErrNotInitialized is returned for calls made before worker.initialize.
	ErrNotInitialized = errors.New("worker: not initialized")
	// ErrAlreadyInitialized is returned by a second worker.initialize.
	ErrAlreadyInitialized = errors.New("worker: already initialized")
	// ErrUnknownHandle is returned for an iterator or cursor handle the worker does not hold.
	ErrUnknownHandle = errors.New("worker: unknown handle")
)

func init() {
	rpc.RegisterError("worker.NotInitialized", ErrNotInitialized)
	rpc.RegisterError("worker.AlreadyInitialized", ErrAlreadyInitialized)
	rpc.RegisterError("worker.UnknownHandle", ErrUnknownHandle)
	rpc.RegisterError("cursor.Busy", cursor.ErrCursorBusy)
	rpc.RegisterError("cursor.Ended", cursor.ErrCursorEnded)
	rpc.RegisterError("source.InvalidArgs", source.ErrInvalidArgs)
	rpc.RegisterError("storage.NotFound", storage.ErrNotFound)
	rpc.RegisterError("storage.CorruptRecord", storage.ErrCorruptRecord)
}

type openCursor struct {
	cur    *cursor.IteratorCursor
	cancel context.CancelFunc
}

// Service is the worker side of one connection.
type Service struct {
	factory source.Factory

	mu        sync.Mutex
	src       source.Source
	iterators map[string]source.MessageIterator
	cursors   map[string]openCursor
	closed    bool
}

// Register installs the worker surface on srv. Sources are opened by factory
// when the host calls worker.initialize.
func Register(srv *rpc.Server, factory source.Factory) *Service {
	s := &Service{
		factory:   factory,
		iterators: make(map[string]source.MessageIterator),
		cursors:   make(map[string]openCursor),
	}
	srv.Handle(MethodWorkerInitialize, s.initializeWorker)
	srv.Handle(MethodSourceInitialize, s.guard(s.initializeSource))
	srv.Handle(MethodMessageIterator, s.guard(s.messageIterator))
	srv.Handle(MethodIteratorNext, s.guard(s.iteratorNext))
	srv.Handle(MethodIteratorReturn, s.guard(s.iteratorReturn))
	srv.Handle(MethodGetBackfillMessages, s.guard(s.getBackfillMessages))
	srv.Handle(MethodGetMessageCursor, s.guard(s.getMessageCursor))
	srv.Handle(MethodCursorNext, s.guard(s.cursorNext))
	srv.Handle(MethodCursorNextBatch, s.guard(s.cursorNextBatch))
	srv.Handle(MethodCursorReadUntil, s.guard(s.cursorReadUntil))
	srv.Handle(MethodCursorEnd, s.guard(s.cursorEnd))
	srv.Handle(MethodSourceClose, s.guard(s.closeSource))
	return s
}

// NewSession returns an rpc.SessionFunc that gives every connection its own
// Service, closed when the connection ends.
func NewSession(factory source.Factory) rpc.SessionFunc {
	return func() (*rpc.Server, func()) {
		srv := rpc.NewServer()
		svc := Register(srv, factory)
		return srv, func() {
			if err := svc.Close(); err != nil {
				logger.Warn("Failed to close worker session", zap.Error(err))
			}
		}
	}
}

func (s *Service) source() (source.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: source closed", ErrNotInitialized)
	}
	if s.src == nil {
		return nil, ErrNotInitialized
	}
	return s.src, nil
}

func (s *Service) guard(h rpc.Handler) rpc.Handler {
	return func(ctx context.Context, req rpc.Message) (rpc.Message, error) {
		if _, err := s.source(); err != nil {
			return rpc.Message{}, err
		}
		return h(ctx, req)
	}
}

func (s *Service) initializeWorker(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args source.Args
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	if err := args.Validate(); err != nil {
		return rpc.Message{}, err
	}
	s.mu.Lock()
	if s.src != nil || s.closed {
		s.mu.Unlock()
		return rpc.Message{}, ErrAlreadyInitialized
	}
	s.mu.Unlock()

	src, err := s.factory.Open(ctx, args)
	if err != nil {
		return rpc.Message{}, err
	}

	s.mu.Lock()
	if s.src != nil || s.closed {
		s.mu.Unlock()
		src.Close()
		return rpc.Message{}, ErrAlreadyInitialized
	}
	s.src = src
	s.mu.Unlock()
	logger.Info("Worker source opened", zap.String("source", args.String()), zap.String("factory", s.factory.Name))
	return rpc.Encode(initializeReply{OK: true})
}

func (s *Service) initializeSource(ctx context.Context, _ rpc.Message) (rpc.Message, error) {
	src, err := s.source()
	if err != nil {
		return rpc.Message{}, err
	}
	info, err := src.Initialize(ctx)
	if err != nil {
		return rpc.Message{}, err
	}
	return rpc.Encode(info)
}

func (s *Service) messageIterator(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args source.IteratorArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	src, err := s.source()
	if err != nil {
		return rpc.Message{}, err
	}
	it, err := src.MessageIterator(ctx, args)
	if err != nil {
		return rpc.Message{}, err
	}
	handle := uuid.NewString()
	s.mu.Lock()
	s.iterators[handle] = it
	s.mu.Unlock()
	logger.Debug("Opened iterator", zap.String("handle", handle))
	return rpc.Encode(handleArgs{Handle: handle})
}

func (s *Service) iterator(req rpc.Message) (string, source.MessageIterator, error) {
	var args handleArgs
	if err := rpc.Decode(req, &args); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.iterators[args.Handle]
	if !ok {
		return args.Handle, nil, fmt.Errorf("%w: iterator %s", ErrUnknownHandle, args.Handle)
	}
	return args.Handle, it, nil
}

func (s *Service) iteratorNext(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	_, it, err := s.iterator(req)
	if err != nil {
		return rpc.Message{}, err
	}
	r, ok, err := it.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return rpc.Encode(readReply{})
		}
		return rpc.Message{}, err
	}
	if !ok {
		return rpc.Encode(readReply{})
	}
	return encodeRead([]model.IteratorResult{r}, true)
}

func (s *Service) iteratorReturn(_ context.Context, req rpc.Message) (rpc.Message, error) {
	handle, it, err := s.iterator(req)
	if err != nil {
		return rpc.Message{}, err
	}
	s.mu.Lock()
	delete(s.iterators, handle)
	s.mu.Unlock()
	return rpc.Message{}, it.Close()
}

func (s *Service) getBackfillMessages(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args source.BackfillArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	src, err := s.source()
	if err != nil {
		return rpc.Message{}, err
	}
	events, err := src.GetBackfillMessages(ctx, args)
	if err != nil {
		return rpc.Message{}, err
	}
	var p packer
	reply := backfillReply{Events: make([]wireEvent, len(events))}
	for i := range events {
		reply.Events[i] = *p.event(&events[i])
	}
	return rpc.Encode(reply, p.transfer...)
}

func (s *Service) getMessageCursor(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args cursorArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	src, err := s.source()
	if err != nil {
		return rpc.Message{}, err
	}
	it, err := src.MessageIterator(ctx, args.Iterator)
	if err != nil {
		return rpc.Message{}, err
	}
	abort, cancel := context.WithCancel(context.Background())
	handle := uuid.NewString()
	s.mu.Lock()
	s.cursors[handle] = openCursor{cur: cursor.New(it, abort), cancel: cancel}
	s.mu.Unlock()
	logger.Debug("Opened cursor", zap.String("handle", handle), zap.Strings("topics", args.Iterator.Topics))
	return rpc.Encode(handleArgs{Handle: handle})
}

func (s *Service) cursor(handle string) (*cursor.IteratorCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.cursors[handle]
	if !ok {
		return nil, fmt.Errorf("%w: cursor %s", ErrUnknownHandle, handle)
	}
	return oc.cur, nil
}

func (s *Service) cursorNext(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args handleArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	c, err := s.cursor(args.Handle)
	if err != nil {
		return rpc.Message{}, err
	}
	r, ok, err := c.Next(ctx)
	if err != nil {
		return rpc.Message{}, err
	}
	if !ok {
		return rpc.Encode(readReply{})
	}
	return encodeRead([]model.IteratorResult{r}, true)
}

func (s *Service) cursorNextBatch(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args nextBatchArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	c, err := s.cursor(args.Handle)
	if err != nil {
		return rpc.Message{}, err
	}
	batch, ok, err := c.NextBatch(ctx, time.Duration(args.Duration))
	if err != nil {
		return rpc.Message{}, err
	}
	return encodeRead(batch, ok)
}

func (s *Service) cursorReadUntil(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	var args readUntilArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	c, err := s.cursor(args.Handle)
	if err != nil {
		return rpc.Message{}, err
	}
	results, ok, err := c.ReadUntil(ctx, args.End)
	if err != nil {
		return rpc.Message{}, err
	}
	return encodeRead(results, ok)
}

func (s *Service) cursorEnd(_ context.Context, req rpc.Message) (rpc.Message, error) {
	var args handleArgs
	if err := rpc.Decode(req, &args); err != nil {
		return rpc.Message{}, err
	}
	s.mu.Lock()
	oc, ok := s.cursors[args.Handle]
	delete(s.cursors, args.Handle)
	s.mu.Unlock()
	if !ok {
		return rpc.Message{}, fmt.Errorf("%w: cursor %s", ErrUnknownHandle, args.Handle)
	}
	oc.cancel()
	logger.Debug("Ended cursor", zap.String("handle", args.Handle))
	return rpc.Message{}, oc.cur.End()
}

func (s *Service) closeSource(_ context.Context, _ rpc.Message) (rpc.Message, error) {
	return rpc.Message{}, s.Close()
}

// Close ends every open cursor and iterator and closes the source. It is safe
// to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cursors, iterators, src := s.cursors, s.iterators, s.src
	s.cursors = map[string]openCursor{}
	s.iterators = map[string]source.MessageIterator{}
	s.mu.Unlock()

	var errs []error
	for handle, oc := range cursors {
		oc.cancel()
		if err := oc.cur.End(); err != nil {
			errs = append(errs, fmt.Errorf("cursor %s: %w", handle, err))
		}
	}
	for handle, it := range iterators {
		if err := it.Close(); err != nil {
			errs = append(errs, fmt.Errorf("iterator %s: %w", handle, err))
		}
	}
	if src != nil {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cursors)+len(iterators) > 0 {
		logger.Info("Released worker resources", zap.Int("cursors", len(cursors)), zap.Int("iterators", len(iterators)))
	}
	return errors.Join(errs...)
}

func encodeRead(results []model.IteratorResult, ok bool) (rpc.Message, error) {
	if !ok {
		return rpc.Encode(readReply{})
	}
	var p packer
	return rpc.Encode(readReply{Results: p.results(results), OK: true}, p.transfer...)
}
