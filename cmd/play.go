package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/config"
	"github.com/withobsrvr/flowscope/internal/filter"
	"github.com/withobsrvr/flowscope/internal/player"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

var playWatch bool

var playCmd = &cobra.Command{
	Use:   "play [recording]",
	Short: "Play a recording to stdout",
	Long: `Play a recording along its own clock, printing every message as the
playhead passes it. The recording is a local file or an http(s) URL; it can
also come from the source section of --config.

With --watch and --config, edits to playback.speed and playback.topics in the
config file apply to the running player.`,
	Example: `  flowscope play drive.db
  flowscope play drive.db --topics /imu,/gps --speed 4
  flowscope play https://example.com/drive.db --start 90s --filter 'size > 1024'
  flowscope play drive.db --worker remote --worker-address localhost:7070`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)
	addSourceFlags(playCmd)
	addPlaybackFlags(playCmd)
	playCmd.Flags().BoolVar(&playWatch, "watch", false, "apply config file edits while playing")
}

// addSourceFlags registers flags that choose the recording and where it is read.
func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("backend", "", "force a source backend (bolt|pebble|http)")
	cmd.Flags().String("worker", "", "where the source runs (inprocess|remote|disabled)")
	cmd.Flags().String("worker-address", "", "address of a remote worker; implies --worker remote")
	cmd.Flags().Duration("abort-grace", 0, "how long a cancelled worker call may take to settle")
	addTLSFlags(cmd)
}

// addTLSFlags registers flags that secure the worker link.
func addTLSFlags(cmd *cobra.Command) {
	cmd.Flags().String("tls-mode", "", "worker link TLS (disabled|enabled|mutual)")
	cmd.Flags().String("tls-cert", "", "certificate file")
	cmd.Flags().String("tls-key", "", "private key file")
	cmd.Flags().String("tls-ca", "", "CA certificate file")
	cmd.Flags().Bool("tls-skip-verify", false, "skip verification of the worker certificate")
	cmd.Flags().String("tls-server-name", "", "expected worker certificate host name")
}

// addPlaybackFlags registers flags that configure the player.
func addPlaybackFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("topics", nil, "play only these topics")
	cmd.Flags().String("filter", "", "CEL expression selecting printed messages")
	cmd.Flags().Float64("speed", 0, "playback rate")
	cmd.Flags().String("start", "", "start time, in seconds or as a duration")
	cmd.Flags().Duration("read-ahead", 0, "how far past the playhead to buffer")
}

func commandArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runPlay(cmd *cobra.Command, args []string) error {
	bindFlags(cmd)
	cfg, err := loadConfig(commandArg(args))
	if err != nil {
		return err
	}
	cfg.Playback.AutoPlay = true
	flt, err := filter.Compile(cfg.Playback.Filter)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close session", zap.Error(err))
		}
	}()

	opts, err := playerOptions(cfg, sess.readAhead)
	if err != nil {
		return err
	}
	p := player.New(sess.provider, opts)

	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) { once.Do(func() { done <- err }) }
	seenProblems := 0
	p.SetListener(func(st player.State) {
		for _, pr := range st.Problems[min(seenProblems, len(st.Problems)):] {
			printProblem(os.Stderr, pr)
		}
		seenProblems = len(st.Problems)
		if st.Phase == player.PhaseErrored {
			finish(fmt.Errorf("playback failed"))
			return
		}
		ad := st.ActiveData
		if ad == nil {
			return
		}
		for _, ev := range ad.Messages {
			if flt.Match(ev) {
				printMessage(os.Stdout, ev)
			}
		}
		if st.Phase == player.PhaseIdle && !ad.CurrentTime.Before(ad.EndTime) {
			finish(nil)
		}
	})

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Close()

	if playWatch && cfgFile != "" {
		w, err := config.Watch(cfgFile, config.DefaultDebounce, func(next *config.Config) {
			applyLive(p, cfg, next)
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("Playback interrupted")
		return nil
	}
}

// applyLive pushes reloaded playback settings into a running player.
func applyLive(p *player.Player, cur, next *config.Config) {
	if next.Playback.Speed != cur.Playback.Speed {
		if err := p.SetSpeed(next.Playback.Speed); err != nil {
			logger.Warn("Failed to apply speed", zap.Error(err))
		} else {
			logger.Info("Speed changed", zap.Float64("speed", next.Playback.Speed))
			cur.Playback.Speed = next.Playback.Speed
		}
	}
	if !slices.Equal(next.Playback.Topics, cur.Playback.Topics) {
		if err := p.SetSubscriptions(next.Playback.Topics); err != nil {
			logger.Warn("Failed to apply topics", zap.Error(err))
		} else {
			logger.Info("Topics changed", zap.Strings("topics", next.Playback.Topics))
			cur.Playback.Topics = next.Playback.Topics
		}
	}
}
