package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Read a recording through a message cursor",
	Long: `Read raw iterator results, stamps and problems included, without a
playback clock. Useful to inspect what a player would buffer.`,
}

var cursorUntilCmd = &cobra.Command{
	Use:     "read-until <recording> <time>",
	Short:   "Read every result at or before a time",
	Example: `  flowscope cursor read-until drive.db 12.5 --topics /imu`,
	Args:    cobra.ExactArgs(2),
	RunE:    runCursorUntil,
}

var cursorBatchCmd = &cobra.Command{
	Use:     "batch <recording>",
	Short:   "Read time-windowed batches",
	Example: `  flowscope cursor batch drive.db --window 500ms --count 4`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCursorBatch,
}

func init() {
	rootCmd.AddCommand(cursorCmd)
	cursorCmd.AddCommand(cursorUntilCmd)
	cursorCmd.AddCommand(cursorBatchCmd)
	for _, c := range []*cobra.Command{cursorUntilCmd, cursorBatchCmd} {
		addSourceFlags(c)
		c.Flags().StringSlice("topics", nil, "read only these topics")
		c.Flags().String("start", "", "first time to read")
	}
	cursorBatchCmd.Flags().Duration("window", time.Second, "span of each batch")
	cursorBatchCmd.Flags().Int("count", 1, "number of batches")
}

// withCursor opens the session and a cursor, runs fn, and releases both.
func withCursor(cmd *cobra.Command, recording string, fn func(c cursor.Cursor) error) error {
	bindFlags(cmd)
	cfg, err := loadConfig(recording)
	if err != nil {
		return err
	}
	start, err := cfg.StartTime()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close session", zap.Error(err))
		}
	}()

	c, err := sess.provider.GetMessageCursor(ctx, source.IteratorArgs{Topics: cfg.Playback.Topics, Start: start}, nil)
	if err != nil {
		return err
	}
	defer c.End()
	return fn(c)
}

func runCursorUntil(cmd *cobra.Command, args []string) error {
	until, err := model.ParseTime(args[1])
	if err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}
	return withCursor(cmd, args[0], func(c cursor.Cursor) error {
		results, ok, err := c.ReadUntil(cmd.Context(), until)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("read cancelled")
		}
		for _, r := range results {
			printResult(os.Stdout, r)
		}
		fmt.Fprintf(os.Stderr, "%d results\n", len(results))
		return nil
	})
}

func runCursorBatch(cmd *cobra.Command, args []string) error {
	window := viper.GetDuration("window")
	count := viper.GetInt("count")
	return withCursor(cmd, args[0], func(c cursor.Cursor) error {
		for i := 0; i < count; i++ {
			batch, ok, err := c.NextBatch(cmd.Context(), window)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			fmt.Printf("--- batch %d (%d results)\n", i+1, len(batch))
			for _, r := range batch {
				printResult(os.Stdout, r)
			}
			if len(batch) == 0 {
				break
			}
		}
		return nil
	})
}
