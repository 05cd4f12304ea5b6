package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/storage"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

const recordBatch = 256

var (
	recordIn      string
	recordBackend string
	recordProfile string
)

// recordLine is one JSON line accepted by `flowscope record`. The payload is
// either Data, stored as its raw JSON text, or Base64.
type recordLine struct {
	Topic     string          `json:"topic"`
	Schema    string          `json:"schema"`
	ReceiveNs int64           `json:"receive_ns"`
	PublishNs int64           `json:"publish_ns"`
	Data      json.RawMessage `json:"data"`
	Base64    string          `json:"base64"`
}

var recordCmd = &cobra.Command{
	Use:   "record <recording>",
	Short: "Write JSON lines into a recording",
	Long: `Read JSON lines and append them to a bolt file or pebble directory.
Each line looks like:

  {"topic":"/imu","schema":"json","receive_ns":1500000000,"data":{"x":1}}

publish_ns defaults to receive_ns. Binary payloads go in "base64" instead of "data".`,
	Example: `  flowscope record drive.db --in drive.jsonl
  cat drive.jsonl | flowscope record drive.pebble --backend pebble --profile ros2`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringVar(&recordIn, "in", "", "input file (default stdin)")
	recordCmd.Flags().StringVar(&recordBackend, "backend", source.BackendBolt, "storage backend (bolt|pebble)")
	recordCmd.Flags().StringVar(&recordProfile, "profile", "", "data profile stored in the recording metadata")
}

func openRecordingForWrite(path, backend string) (storage.Recording, error) {
	var rec storage.Recording
	switch backend {
	case source.BackendBolt:
		rec = storage.NewBoltRecording(&storage.BoltOptions{Path: path})
	case source.BackendPebble:
		rec = storage.NewPebbleRecording(storage.PebbleOptions{DataDir: path})
	default:
		return nil, fmt.Errorf("cannot record to backend %q", backend)
	}
	if err := rec.Open(); err != nil {
		return nil, err
	}
	return rec, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rec, err := openRecordingForWrite(args[0], recordBackend)
	if err != nil {
		return err
	}
	defer rec.Close()

	in := io.Reader(os.Stdin)
	if recordIn != "" {
		f, err := os.Open(recordIn)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	n, err := appendLines(ctx, rec, in)
	if err != nil {
		return err
	}
	if recordProfile != "" {
		if err := rec.SetMetadata(ctx, "profile", recordProfile); err != nil {
			return err
		}
	}
	logger.Info("Recording written", zap.String("path", args[0]), zap.Int("records", n))
	fmt.Printf("Wrote %d records to %s\n", n, args[0])
	return nil
}

// appendLines decodes JSON lines from r and appends them to rec in batches.
func appendLines(ctx context.Context, rec storage.Recording, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	batch := make([]storage.Record, 0, recordBatch)
	total, line := 0, 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := rec.Append(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		r, err := parseRecordLine(b)
		if err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, r)
		if len(batch) == recordBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, fmt.Errorf("failed to read input: %w", err)
	}
	return total, flush()
}

func parseRecordLine(b []byte) (storage.Record, error) {
	var l recordLine
	if err := json.Unmarshal(b, &l); err != nil {
		return storage.Record{}, err
	}
	if l.Topic == "" {
		return storage.Record{}, fmt.Errorf("missing topic")
	}
	payload := []byte(l.Data)
	if l.Base64 != "" {
		var err error
		if payload, err = base64.StdEncoding.DecodeString(l.Base64); err != nil {
			return storage.Record{}, fmt.Errorf("invalid base64 payload: %w", err)
		}
	}
	publish := l.PublishNs
	if publish == 0 {
		publish = l.ReceiveNs
	}
	return storage.Record{
		Topic:       l.Topic,
		Schema:      l.Schema,
		ReceiveTime: model.FromNanos(l.ReceiveNs),
		PublishTime: model.FromNanos(publish),
		Payload:     payload,
	}, nil
}
