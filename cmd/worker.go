package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/config"
	"github.com/withobsrvr/flowscope/internal/rpc"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
	"github.com/withobsrvr/flowscope/internal/worker"
)

const defaultWorkerListen = ":7070"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run sources in a separate worker process",
}

var workerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sources to remote players over gRPC",
	Long: `Start a worker that opens sources on behalf of remote players. Every
connection gets its own worker session: the first call names the recording
and the session owns the source until the connection closes.`,
	Example: `  flowscope worker serve --listen :7070
  flowscope worker serve --tls-mode enabled --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	RunE: runWorkerServe,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerServeCmd)
	workerServeCmd.Flags().String("listen", defaultWorkerListen, "address to listen on")
	addTLSFlags(workerServeCmd)
}

func runWorkerServe(cmd *cobra.Command, args []string) error {
	bindFlags(cmd)
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyOverrides(cfg)
	if err := cfg.Worker.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid TLS configuration: %w", err)
	}
	opts, err := cfg.Worker.TLS.ServerOptions()
	if err != nil {
		return err
	}
	stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	addr := viper.GetString("listen")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := rpc.NewGRPCServer(worker.NewSession(source.Auto()), opts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, stopping worker", zap.String("signal", sig.String()))
		srv.Stop()
	}()

	logger.Debug("Worker backends", zap.Strings("backends", source.Names()), zap.String("tls", string(cfg.Worker.TLS.Mode)))
	fmt.Printf("Worker listening on %s\n", lis.Addr())
	return srv.Serve(lis)
}
