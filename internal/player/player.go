// Package player drives a cursor along a playback clock. It keeps a read-ahead
// buffer in front of the playhead and primes per-topic state with backfill
// whenever playback jumps.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/metrics"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

var (
	// ErrNotStarted is returned by commands issued before Start.
	ErrNotStarted = errors.New("player: not started")
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("player: closed")
	// ErrInvalidSpeed is returned for a speed that is not positive.
	ErrInvalidSpeed = errors.New("player: speed must be positive")
)

const (
	DefaultReadAhead    = 10 * time.Second
	DefaultReadStep     = 500 * time.Millisecond
	DefaultTickInterval = 50 * time.Millisecond
)

// Options configures a Player.
type Options struct {
	// ReadAhead bounds how far past the playhead data is buffered.
	ReadAhead time.Duration
	// ReadStep is the span requested by each ReadUntil.
	ReadStep     time.Duration
	Speed        float64
	TickInterval time.Duration
	// Topics limits playback. Empty means every topic.
	Topics []string
	// Start seeks there instead of the beginning of the source.
	Start    *model.Time
	AutoPlay bool
}

func (o *Options) setDefaults() {
	if o.ReadAhead <= 0 {
		o.ReadAhead = DefaultReadAhead
	}
	if o.ReadStep <= 0 {
		o.ReadStep = DefaultReadStep
	}
	if o.ReadStep > o.ReadAhead {
		o.ReadStep = o.ReadAhead
	}
	if o.Speed <= 0 {
		o.Speed = 1
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
}

type command struct {
	fn   func()
	done chan struct{}
}

// Player plays one source. All state is owned by the loop goroutine started by
// Start; commands are queued to it.
type Player struct {
	src  cursor.Provider
	opts Options

	cmds    chan command
	exited  chan struct{}
	startMu sync.Mutex
	started bool

	listenerMu sync.Mutex
	listener   func(State)
	last       State

	// Owned by the loop goroutine.
	ctx         context.Context
	phase       Phase
	info        *model.Initialization
	topics      []string
	current     model.Time
	playing     bool
	speed       float64
	stalled     bool
	seekCount   int64
	problems    []model.Problem
	cur         cursor.Cursor
	cancelRead  context.CancelFunc
	ra          *readAhead
	lastTick    time.Time
	pendingMsgs []model.MessageEvent
}

// New creates a player over src. It does nothing until Start.
func New(src cursor.Provider, opts Options) *Player {
	opts.setDefaults()
	return &Player{
		src:    src,
		opts:   opts,
		cmds:   make(chan command),
		exited: make(chan struct{}),
		phase:  PhasePreinit,
		speed:  opts.Speed,
		topics: append([]string(nil), opts.Topics...),
	}
}

// SetListener registers fn to receive every state change. fn runs on the
// player goroutine and must not call back into the player.
func (p *Player) SetListener(fn func(State)) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listener = fn
}

// State returns the last reported state.
func (p *Player) State() State {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	return p.last
}

// Start initializes the source, opens the first cursor and starts playback.
// The player runs until Close or until ctx is cancelled.
func (p *Player) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return fmt.Errorf("player: already started")
	}
	p.started = true
	p.ctx = ctx

	p.phase = PhaseInitializing
	p.emit()
	info, err := p.src.Initialize(ctx)
	if err != nil {
		p.fail(fmt.Errorf("failed to initialize source: %w", err))
		close(p.exited)
		return err
	}
	p.info = info
	p.problems = append(p.problems, info.Problems...)
	logger.Info("Player initialized",
		zap.Stringer("start", info.Start),
		zap.Stringer("end", info.End),
		zap.Int("topics", len(info.Topics)))

	p.phase = PhaseStartPlay
	start := info.Start
	if p.opts.Start != nil {
		start = model.Clamp(*p.opts.Start, info.Start, info.End)
	}
	if start.After(info.Start) {
		err = p.seek(start)
	} else {
		p.current = info.Start
		err = p.openCursor(info.Start, info.Start)
	}
	if err != nil {
		p.fail(err)
		close(p.exited)
		return err
	}
	p.playing = p.opts.AutoPlay
	p.phase = p.restingPhase()
	p.lastTick = time.Now()
	p.emit()

	go p.run()
	return nil
}

func (p *Player) run() {
	defer close(p.exited)
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.shutdown()
			return
		case c := <-p.cmds:
			c.fn()
			close(c.done)
			if p.phase == PhaseClose {
				return
			}
		case <-ticker.C:
			p.tick()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (p *Player) do(fn func()) error {
	p.startMu.Lock()
	started := p.started
	p.startMu.Unlock()
	if !started {
		return ErrNotStarted
	}
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case p.cmds <- c:
	case <-p.exited:
		return ErrClosed
	}
	<-c.done
	return nil
}

// Play resumes playback. At the end of the source it restarts from the beginning.
func (p *Player) Play() error {
	var err error
	if derr := p.do(func() {
		if p.phase == PhaseErrored {
			err = ErrClosed
			return
		}
		if !p.current.Before(p.info.End) {
			if err = p.seek(p.info.Start); err != nil {
				p.fail(err)
				return
			}
		}
		p.playing = true
		p.lastTick = time.Now()
		p.phase = p.restingPhase()
		p.emit()
	}); derr != nil {
		return derr
	}
	return err
}

// Pause stops the playhead. Read-ahead keeps filling the buffer.
func (p *Player) Pause() error {
	return p.do(func() {
		p.playing = false
		p.phase = p.restingPhase()
		p.emit()
	})
}

// SetSpeed changes the playback rate.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 {
		return ErrInvalidSpeed
	}
	return p.do(func() {
		p.speed = speed
		p.emit()
	})
}

// Seek jumps to t, clamped to the source's time range.
func (p *Player) Seek(t model.Time) error {
	var err error
	if derr := p.do(func() {
		if p.phase == PhaseErrored {
			err = ErrClosed
			return
		}
		if err = p.seek(t); err != nil {
			p.fail(err)
			return
		}
		p.lastTick = time.Now()
		p.phase = p.restingPhase()
		p.emit()
	}); derr != nil {
		return derr
	}
	return err
}

// SetSubscriptions changes the played topics and re-seeks to the current time.
func (p *Player) SetSubscriptions(topics []string) error {
	var err error
	if derr := p.do(func() {
		if p.phase == PhaseErrored {
			err = ErrClosed
			return
		}
		p.topics = append([]string(nil), topics...)
		if err = p.seek(p.current); err != nil {
			p.fail(err)
			return
		}
		p.phase = p.restingPhase()
		p.emit()
	}); derr != nil {
		return derr
	}
	return err
}

// Close stops playback and ends the cursor. The source is left open.
func (p *Player) Close() error {
	err := p.do(p.shutdown)
	if errors.Is(err, ErrNotStarted) || errors.Is(err, ErrClosed) {
		return nil
	}
	<-p.exited
	return err
}

func (p *Player) restingPhase() Phase {
	if p.playing {
		return PhasePlay
	}
	return PhaseIdle
}

func (p *Player) shutdown() {
	if p.phase == PhaseClose {
		return
	}
	p.stopReading()
	p.playing = false
	p.phase = PhaseClose
	p.emit()
	logger.Debug("Player closed")
}

// stopReading cancels the in-flight read, waits for the producer and ends the
// cursor.
func (p *Player) stopReading() {
	if p.ra != nil {
		p.ra.Stop()
		p.ra = nil
	}
	if p.cancelRead != nil {
		p.cancelRead()
		p.cancelRead = nil
	}
	if p.cur != nil {
		if err := p.cur.End(); err != nil {
			logger.Warn("Failed to end cursor", zap.Error(err))
		}
		p.cur = nil
	}
}

// openCursor opens a cursor at from and starts read-ahead positioned at loaded.
func (p *Player) openCursor(from, loaded model.Time) error {
	abort, cancel := context.WithCancel(p.ctx)
	args := source.IteratorArgs{Topics: p.topics, Start: &from}
	cur, err := p.src.GetMessageCursor(p.ctx, args, abort)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open cursor at %s: %w", from, err)
	}
	p.cur, p.cancelRead = cur, cancel
	p.ra = startReadAhead(abort, cur, loaded, p.info.End, p.opts.ReadStep, p.opts.ReadAhead)
	return nil
}

func (p *Player) seek(t model.Time) error {
	p.stopReading()
	p.phase = PhaseSeekBackfill
	t = model.Clamp(t, p.info.Start, p.info.End)
	metrics.PlayerSeeks.Inc()

	events, err := p.src.GetBackfillMessages(p.ctx, source.BackfillArgs{Topics: p.topics, Time: t})
	if err != nil {
		return fmt.Errorf("failed to backfill at %s: %w", t, err)
	}
	metrics.BackfillMessages.Add(float64(len(events)))
	logger.Debug("Seek backfilled", zap.Stringer("time", t), zap.Int("messages", len(events)))

	p.current = t
	p.stalled = false
	p.seekCount++
	p.pendingMsgs = events
	return p.openCursor(t.Add(1), t)
}

func (p *Player) fail(err error) {
	logger.Error("Player failed", zap.Error(err))
	p.stopReading()
	p.playing = false
	p.phase = PhaseErrored
	p.problems = append(p.problems, model.Problem{
		Severity: model.SeverityError,
		Message:  "Playback stopped",
		Err:      err.Error(),
	})
	p.emit()
}

func (p *Player) tick() {
	if p.ra == nil || p.phase == PhaseErrored || p.phase == PhaseClose {
		return
	}
	if err := p.ra.Err(); err != nil {
		p.fail(err)
		return
	}

	now := time.Now()
	elapsed := now.Sub(p.lastTick)
	p.lastTick = now

	changed := false
	if p.playing {
		target := p.current.Add(time.Duration(float64(elapsed) * p.speed))
		limit := model.Min(p.loadedUntil(), p.info.End)
		stalled := false
		if target.After(limit) {
			target = limit
			stalled = limit.Before(p.info.End)
		}
		if stalled && !p.stalled {
			metrics.PlayerStalls.Inc()
		}
		p.stalled = stalled
		if target.After(p.current) {
			p.current = target
		}
		changed = true
	}

	results, _ := p.ra.Take(p.current)
	for _, r := range results {
		switch r.Type {
		case model.ResultMessageEvent:
			p.pendingMsgs = append(p.pendingMsgs, *r.MsgEvent)
		case model.ResultProblem:
			p.problems = append(p.problems, *r.Problem)
			changed = true
		}
	}
	metrics.ReadAheadSeconds.Set(p.ra.Buffered().Seconds())

	if p.playing && !p.current.Before(p.info.End) && p.ra.Done() {
		p.playing = false
		p.phase = p.restingPhase()
		logger.Debug("Playback reached the end", zap.Stringer("time", p.current))
		changed = true
	}
	if changed || len(p.pendingMsgs) > 0 {
		p.emit()
	}
}

func (p *Player) loadedUntil() model.Time {
	if p.ra == nil {
		return p.current
	}
	return p.ra.Loaded()
}

func (p *Player) emit() {
	st := State{
		Phase:    p.phase,
		Presence: p.presence(),
		Problems: append([]model.Problem(nil), p.problems...),
	}
	if p.ra != nil {
		st.Progress.LoadedUntil = p.ra.Loaded()
		st.Progress.Buffered = p.ra.Buffered()
	}
	if p.info != nil {
		st.ActiveData = &ActiveData{
			Messages:     p.pendingMsgs,
			CurrentTime:  p.current,
			StartTime:    p.info.Start,
			EndTime:      p.info.End,
			IsPlaying:    p.playing,
			Speed:        p.speed,
			LastSeekTime: p.seekCount,
			Topics:       p.subscribedTopics(),
			TopicStats:   p.info.TopicStats,
		}
		metrics.EmittedMessages.Add(float64(len(p.pendingMsgs)))
	}
	p.pendingMsgs = nil

	p.listenerMu.Lock()
	p.last = st
	fn := p.listener
	p.listenerMu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *Player) presence() Presence {
	switch p.phase {
	case PhasePreinit, PhaseClose:
		return PresenceNotPresent
	case PhaseInitializing, PhaseStartPlay:
		return PresenceInitializing
	case PhaseSeekBackfill:
		return PresenceBuffering
	case PhaseErrored:
		return PresenceError
	}
	if p.stalled {
		return PresenceBuffering
	}
	return PresencePresent
}

func (p *Player) subscribedTopics() []model.Topic {
	if len(p.topics) == 0 {
		return p.info.Topics
	}
	want := make(map[string]struct{}, len(p.topics))
	for _, t := range p.topics {
		want[t] = struct{}{}
	}
	var out []model.Topic
	for _, t := range p.info.Topics {
		if _, ok := want[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}
