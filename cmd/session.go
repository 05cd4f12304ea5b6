package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/config"
	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/player"
	"github.com/withobsrvr/flowscope/internal/rpc"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
	"github.com/withobsrvr/flowscope/internal/worker"
)

// session is an opened source, wherever it runs.
type session struct {
	provider  cursor.Provider
	readAhead time.Duration
	closers   []func() error
}

// Close releases the source, then the worker link, then the metrics server.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *session) onClose(fn func() error) { s.closers = append(s.closers, fn) }

// openSession opens the configured source behind the configured worker mode.
func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{readAhead: cfg.Playback.ReadAhead}
	stopMetrics := startMetrics(cfg)
	s.onClose(func() error { stopMetrics(); return nil })

	args := cfg.SourceArgs()
	logger.Info("Opening session",
		zap.String("source", args.String()),
		zap.String("worker", string(cfg.Worker.Mode)))

	var err error
	switch cfg.Worker.Mode {
	case config.WorkerDisabled:
		err = s.openLocal(ctx, args)
	case config.WorkerInProcess:
		err = s.openInProcess(ctx, cfg, args)
	case config.WorkerRemote:
		err = s.openRemote(ctx, cfg, args)
	default:
		err = fmt.Errorf("unknown worker mode %q", cfg.Worker.Mode)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.readAhead <= 0 {
		s.readAhead = player.DefaultReadAhead
	}
	return s, nil
}

func (s *session) openLocal(ctx context.Context, args source.Args) error {
	src, f, err := source.Open(ctx, args)
	if err != nil {
		return err
	}
	s.useFactoryReadAhead(f)
	s.provider = worker.LocalProvider(src)
	s.onClose(src.Close)
	return nil
}

func (s *session) openInProcess(ctx context.Context, cfg *config.Config, args source.Args) error {
	f, err := source.Resolve(args)
	if err != nil {
		return err
	}
	s.useFactoryReadAhead(f)
	client, stop := worker.StartInProcess(context.Background(), f, rpc.WithAbortGrace(cfg.Worker.AbortGrace))
	s.onClose(func() error { stop(); return nil })
	return s.dial(ctx, client, args)
}

func (s *session) openRemote(ctx context.Context, cfg *config.Config, args source.Args) error {
	creds, err := cfg.Worker.TLS.DialOption()
	if err != nil {
		return err
	}
	conn, err := rpc.DialGRPC(ctx, cfg.Worker.Address, creds)
	if err != nil {
		return err
	}
	client := rpc.NewClient(conn, rpc.WithAbortGrace(cfg.Worker.AbortGrace))
	s.onClose(client.Close)
	if s.readAhead <= 0 {
		if f, err := source.Resolve(args); err == nil {
			s.useFactoryReadAhead(f)
		}
	}
	return s.dial(ctx, client, args)
}

func (s *session) dial(ctx context.Context, client *rpc.Client, args source.Args) error {
	remote, err := worker.Dial(ctx, client, args)
	if err != nil {
		return err
	}
	s.provider = remote
	s.onClose(remote.Close)
	return nil
}

func (s *session) useFactoryReadAhead(f source.Factory) {
	if s.readAhead <= 0 {
		s.readAhead = f.ReadAhead
	}
}

// playerOptions builds player options from the playback section.
func playerOptions(cfg *config.Config, readAhead time.Duration) (player.Options, error) {
	start, err := cfg.StartTime()
	if err != nil {
		return player.Options{}, err
	}
	return player.Options{
		ReadAhead: readAhead,
		Speed:     cfg.Playback.Speed,
		Topics:    cfg.Playback.Topics,
		Start:     start,
		AutoPlay:  cfg.Playback.AutoPlay,
	}, nil
}
