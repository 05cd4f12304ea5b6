package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

var infoCmd = &cobra.Command{
	Use:   "info [recording]",
	Short: "Show a recording's topics and time range",
	Example: `  flowscope info drive.db
  flowscope info drive.db -o yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	addSourceFlags(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	bindFlags(cmd)
	cfg, err := loadConfig(commandArg(args))
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

	info, err := sess.provider.Initialize(ctx)
	if err != nil {
		return err
	}
	if ok, err := writeStructured(info); ok {
		return err
	}
	printInfo(info)
	return nil
}

func printInfo(info *model.Initialization) {
	fmt.Printf("Start:    %s\n", info.Start)
	fmt.Printf("End:      %s\n", info.End)
	fmt.Printf("Duration: %s\n", model.Sub(info.End, info.Start))
	if info.Profile != "" {
		fmt.Printf("Profile:  %s\n", info.Profile)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tSCHEMA\tMESSAGES\tFIRST\tLAST")
	for _, t := range info.Topics {
		st := info.TopicStats[t.Name]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.Name, t.SchemaName, st.NumMessages, st.FirstMessageTime, st.LastMessageTime)
	}
	w.Flush()

	if len(info.Metadata) > 0 {
		fmt.Println()
		keys := make([]string, 0, len(info.Metadata))
		for k := range info.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, info.Metadata[k])
		}
	}
	for _, p := range info.Problems {
		printProblem(os.Stderr, p)
	}
}
