package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/metrics"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// DefaultAbortGrace is how long a cancelled call waits for the handler's own
// response after the abort is sent.
const DefaultAbortGrace = 2 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAbortGrace overrides DefaultAbortGrace.
func WithAbortGrace(d time.Duration) ClientOption {
	return func(c *Client) { c.abortGrace = d }
}

// Client issues calls on a Conn and matches responses by id.
type Client struct {
	conn       Conn
	abortGrace time.Duration
	nextID     atomic.Uint64

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Envelope
	err     error

	done chan struct{}
}

// NewClient starts reading responses from conn.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:       conn,
		abortGrace: DefaultAbortGrace,
		pending:    make(map[uint64]chan *Envelope),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		env, err := c.conn.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, ErrConnClosed) {
				logger.Warn("RPC connection failed", zap.Error(err))
			}
			c.shutdown()
			return
		}
		switch env.Kind {
		case KindResult, KindError:
		default:
			logger.Warn("Dropping unexpected envelope", zap.Stringer("kind", env.Kind), zap.Uint64("id", env.ID))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
			metrics.RPCPending.Dec()
		}
		c.mu.Unlock()
		if !ok {
			logger.Debug("Dropping response for unknown call", zap.Uint64("id", env.ID))
			continue
		}
		ch <- env
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = ErrConnClosed
	metrics.RPCPending.Sub(float64(len(c.pending)))
	c.pending = map[uint64]chan *Envelope{}
	close(c.done)
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and fails pending calls with ErrConnClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown()
	return err
}

func (c *Client) send(ctx context.Context, env *Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(ctx, env)
}

func (c *Client) register() (uint64, chan *Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, nil, c.err
	}
	id := c.nextID.Add(1)
	ch := make(chan *Envelope, 1)
	c.pending[id] = ch
	metrics.RPCPending.Inc()
	return id, ch, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		metrics.RPCPending.Dec()
	}
}

// Call invokes method and waits for its response. If ctx ends first, the
// handler is told to abort and Call waits up to the abort grace for the
// handler to answer before returning ctx.Err(), so one caller's calls never
// overlap on the remote side.
func (c *Client) Call(ctx context.Context, method string, req Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	start := time.Now()
	id, ch, err := c.register()
	if err != nil {
		return Message{}, err
	}
	metrics.RPCTransferBytes.Add(float64(req.transferSize()))

	call := &Envelope{ID: id, Kind: KindCall, Method: method, Payload: req.Payload, Transfer: req.Transfer}
	if err := c.send(ctx, call); err != nil {
		c.forget(id)
		metrics.ObserveCall(method, "send_error", time.Since(start))
		return Message{}, err
	}

	select {
	case env := <-ch:
		return c.finish(method, start, env)
	case <-c.done:
		metrics.ObserveCall(method, "closed", time.Since(start))
		return Message{}, ErrConnClosed
	case <-ctx.Done():
	}

	metrics.RPCAborts.Inc()
	abortCtx, cancel := context.WithTimeout(context.Background(), c.abortGrace)
	defer cancel()
	if err := c.send(abortCtx, &Envelope{ID: id, Kind: KindAbort, Method: method}); err != nil {
		logger.Debug("Failed to send abort", zap.String("method", method), zap.Uint64("id", id), zap.Error(err))
	}
	select {
	case <-ch:
	case <-c.done:
	case <-abortCtx.Done():
		c.forget(id)
		logger.Warn("Aborted call did not respond in time", zap.String("method", method), zap.Uint64("id", id))
	}
	metrics.ObserveCall(method, "aborted", time.Since(start))
	return Message{}, ctx.Err()
}

func (c *Client) finish(method string, start time.Time, env *Envelope) (Message, error) {
	if env.Kind == KindError {
		metrics.ObserveCall(method, "error", time.Since(start))
		return Message{}, remoteError(env.Err)
	}
	metrics.ObserveCall(method, "ok", time.Since(start))
	return Message{Payload: env.Payload, Transfer: env.Transfer}, nil
}
