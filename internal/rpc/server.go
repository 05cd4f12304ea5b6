package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// Handler serves one method. ctx is cancelled when the caller aborts the call
// or the connection goes away.
type Handler func(ctx context.Context, req Message) (Message, error)

// Server dispatches calls to registered handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer creates a server with no handlers.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *Server) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// session is the per-connection state of Serve.
type session struct {
	srv  *Server
	conn Conn

	sendMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	wg       sync.WaitGroup
}

// Serve handles calls from conn until it closes or ctx ends. Each call runs in
// its own goroutine; responses are written one at a time. Serve returns after
// every handler has finished.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := &session{srv: s, conn: conn, inflight: make(map[uint64]context.CancelFunc)}
	defer sess.wg.Wait()

	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			cancel()
			if errors.Is(err, ErrConnClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpc: receive failed: %w", err)
		}
		switch env.Kind {
		case KindCall:
			sess.start(ctx, env)
		case KindAbort:
			sess.abort(env.ID)
		default:
			logger.Warn("Dropping unexpected envelope", zap.Stringer("kind", env.Kind), zap.Uint64("id", env.ID))
		}
	}
}

func (ss *session) start(ctx context.Context, env *Envelope) {
	callCtx, cancel := context.WithCancel(ctx)
	ss.mu.Lock()
	if _, dup := ss.inflight[env.ID]; dup {
		ss.mu.Unlock()
		cancel()
		logger.Warn("Dropping call with duplicate id", zap.Uint64("id", env.ID), zap.String("method", env.Method))
		return
	}
	ss.inflight[env.ID] = cancel
	ss.mu.Unlock()

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		resp := ss.invoke(callCtx, env)

		ss.mu.Lock()
		delete(ss.inflight, env.ID)
		ss.mu.Unlock()
		cancel()

		ss.sendMu.Lock()
		err := ss.conn.Send(context.Background(), resp)
		ss.sendMu.Unlock()
		if err != nil && !errors.Is(err, ErrConnClosed) {
			logger.Warn("Failed to send response", zap.String("method", env.Method), zap.Uint64("id", env.ID), zap.Error(err))
		}
	}()
}

func (ss *session) abort(id uint64) {
	ss.mu.Lock()
	cancel, ok := ss.inflight[id]
	ss.mu.Unlock()
	if ok {
		logger.Debug("Aborting call", zap.Uint64("id", id))
		cancel()
	}
}

func (ss *session) invoke(ctx context.Context, env *Envelope) (resp *Envelope) {
	resp = &Envelope{ID: env.ID, Method: env.Method}
	h, ok := ss.srv.handler(env.Method)
	if !ok {
		resp.Kind = KindError
		resp.Err = errorInfo(fmt.Errorf("%w: %s", ErrUnknownMethod, env.Method))
		return resp
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked", zap.String("method", env.Method), zap.Any("panic", r))
			resp.Kind = KindError
			resp.Payload, resp.Transfer = nil, nil
			resp.Err = &ErrorInfo{Name: "panic", Message: fmt.Sprint(r), Stack: string(debug.Stack())}
		}
	}()
	out, err := h(ctx, Message{Payload: env.Payload, Transfer: env.Transfer})
	if err != nil {
		resp.Kind = KindError
		resp.Err = errorInfo(err)
		return resp
	}
	resp.Kind = KindResult
	resp.Payload, resp.Transfer = out.Payload, out.Transfer
	return resp
}
