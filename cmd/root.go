package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/config"
	"github.com/withobsrvr/flowscope/internal/metrics"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

var (
	cfgFile        string
	output         string
	logLevel       string
	metricsAddress string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowscope",
	Short: "Seekable playback of recorded sensor data",
	Long: `flowscope plays back recorded robotics and sensor data as a time-ordered,
seekable stream of messages. Recordings are read in-process, on a worker
goroutine, or through a worker process reached over gRPC.

Every flag can also be set through a FLOWSCOPE_* environment variable, for
example FLOWSCOPE_SPEED=2 or FLOWSCOPE_WORKER_ADDRESS=host:7070.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table|yaml|json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddress, "metrics-address", "", "serve prometheus metrics on this address")

	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("metrics-address", rootCmd.PersistentFlags().Lookup("metrics-address"))
}

// initConfig wires environment variables and the logger.
func initConfig() {
	viper.SetEnvPrefix("FLOWSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	if err := logger.Init(level); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
}

// bindFlags makes a command's flags readable through viper, and so through
// FLOWSCOPE_* variables.
func bindFlags(cmd *cobra.Command) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		logger.Warn("Failed to bind flags", zap.String("command", cmd.Name()), zap.Error(err))
	}
}

// loadConfig builds the effective configuration: defaults, then --config,
// then flags and FLOWSCOPE_* variables. recording, when given, names the source.
func loadConfig(recording string) (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		logger.Info("Using config file", zap.String("file", cfgFile))
	}
	applyOverrides(cfg)

	if recording != "" {
		cfg.Source.File, cfg.Source.URL = "", ""
		if strings.Contains(recording, "://") {
			cfg.Source.URL = recording
		} else {
			cfg.Source.File = recording
		}
	}

	if cfgFile != "" && cfg.LogLevel != "" && !viper.IsSet("log-level") {
		if err := logger.Init(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies every flag or variable the user set over cfg.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("backend") {
		cfg.Source.Backend = viper.GetString("backend")
	}
	if viper.IsSet("speed") {
		cfg.Playback.Speed = viper.GetFloat64("speed")
	}
	if viper.IsSet("read-ahead") {
		cfg.Playback.ReadAhead = viper.GetDuration("read-ahead")
	}
	if viper.IsSet("topics") {
		cfg.Playback.Topics = viper.GetStringSlice("topics")
	}
	if viper.IsSet("filter") {
		cfg.Playback.Filter = viper.GetString("filter")
	}
	if viper.IsSet("start") {
		cfg.Playback.Start = viper.GetString("start")
	}
	if viper.IsSet("paused") {
		cfg.Playback.AutoPlay = !viper.GetBool("paused")
	}
	if viper.IsSet("worker") {
		cfg.Worker.Mode = config.WorkerMode(viper.GetString("worker"))
	}
	if viper.IsSet("worker-address") {
		cfg.Worker.Address = viper.GetString("worker-address")
		if !viper.IsSet("worker") {
			cfg.Worker.Mode = config.WorkerRemote
		}
	}
	if viper.IsSet("abort-grace") {
		cfg.Worker.AbortGrace = viper.GetDuration("abort-grace")
	}
	tls := &cfg.Worker.TLS
	if viper.IsSet("tls-mode") {
		tls.Mode = config.TLSMode(viper.GetString("tls-mode"))
	}
	if viper.IsSet("tls-cert") {
		tls.CertFile = viper.GetString("tls-cert")
	}
	if viper.IsSet("tls-key") {
		tls.KeyFile = viper.GetString("tls-key")
	}
	if viper.IsSet("tls-ca") {
		tls.CAFile = viper.GetString("tls-ca")
	}
	if viper.IsSet("tls-skip-verify") {
		tls.SkipVerify = viper.GetBool("tls-skip-verify")
	}
	if viper.IsSet("tls-server-name") {
		tls.ServerName = viper.GetString("tls-server-name")
	}
	if viper.IsSet("metrics-address") {
		cfg.Metrics.Address = viper.GetString("metrics-address")
	}
	if viper.IsSet("log-level") {
		cfg.LogLevel = viper.GetString("log-level")
	}
}

// startMetrics serves /metrics when an address is configured. The returned
// func shuts the server down.
func startMetrics(cfg *config.Config) func() {
	if cfg.Metrics.Address == "" {
		return func() {}
	}
	srv := metrics.StartServer(cfg.Metrics.Address)
	return func() { srv.Close() }
}
