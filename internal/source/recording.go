package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/storage"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// RecordingSource serves a storage.Recording as a Source.
type RecordingSource struct {
	rec      storage.Recording
	name     string
	pageSize int

	closeOnce sync.Once
	closeErr  error
}

// RecordingOption customizes a RecordingSource.
type RecordingOption func(*RecordingSource)

// WithPageSize sets how many records an iterator fetches per storage read.
func WithPageSize(n int) RecordingOption {
	return func(s *RecordingSource) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithName labels the source in logs and the initialization profile.
func WithName(name string) RecordingOption {
	return func(s *RecordingSource) { s.name = name }
}

// NewRecordingSource wraps an opened recording. The source takes ownership and
// closes the recording on Close.
func NewRecordingSource(rec storage.Recording, opts ...RecordingOption) *RecordingSource {
	s := &RecordingSource{rec: rec, pageSize: storage.DefaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize reports the recording's topics and time range.
func (s *RecordingSource) Initialize(ctx context.Context) (*model.Initialization, error) {
	sum, err := s.rec.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording summary: %w", err)
	}
	info := &model.Initialization{
		Start:      sum.Start,
		End:        sum.End,
		TopicStats: make(map[string]model.TopicStats, len(sum.Topics)),
		Profile:    sum.Metadata["profile"],
		Metadata:   sum.Metadata,
	}
	for name, ts := range sum.Topics {
		info.Topics = append(info.Topics, model.Topic{Name: name, SchemaName: ts.Schema})
		info.TopicStats[name] = model.TopicStats{
			NumMessages:      ts.Count,
			FirstMessageTime: ts.First,
			LastMessageTime:  ts.Last,
		}
	}
	sort.Slice(info.Topics, func(i, j int) bool { return info.Topics[i].Name < info.Topics[j].Name })
	if sum.Records == 0 {
		info.Problems = append(info.Problems, model.Problem{
			Severity: model.SeverityWarn,
			Message:  "recording contains no messages",
		})
	}
	logger.Debug("Initialized recording source",
		zap.String("source", s.name),
		zap.Int("topics", len(info.Topics)),
		zap.Stringer("start", info.Start),
		zap.Stringer("end", info.End))
	return info, nil
}

// MessageIterator opens a paged reader over the recording.
func (s *RecordingSource) MessageIterator(ctx context.Context, args IteratorArgs) (MessageIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := &recordingIterator{
		rec:  s.rec,
		opts: storage.RangeOptions{Topics: args.Topics, End: args.End, Limit: s.pageSize},
		end:  args.End,
	}
	if args.Start != nil {
		it.opts.Start = *args.Start
	}
	return it, nil
}

// GetBackfillMessages returns the latest message per topic at or before args.Time,
// sorted by receive time. No topics means every recorded topic.
func (s *RecordingSource) GetBackfillMessages(ctx context.Context, args BackfillArgs) ([]model.MessageEvent, error) {
	topics := topicSet(args.Topics)
	if topics == nil {
		sum, err := s.rec.Summary(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read recording summary: %w", err)
		}
		topics = make(map[string]struct{}, len(sum.Topics))
		for name := range sum.Topics {
			topics[name] = struct{}{}
		}
	}
	out := make([]model.MessageEvent, 0, len(topics))
	for topic := range topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.rec.Latest(ctx, topic, args.Time)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			if errors.Is(err, storage.ErrCorruptRecord) {
				logger.Warn("Skipping corrupt backfill record", zap.String("topic", topic), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("backfill %s: %w", topic, err)
		}
		out = append(out, eventFromRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if c := model.Compare(out[i].ReceiveTime, out[j].ReceiveTime); c != 0 {
			return c < 0
		}
		return out[i].Topic < out[j].Topic
	})
	return out, nil
}

// Close closes the underlying recording.
func (s *RecordingSource) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.rec.Close() })
	return s.closeErr
}

func eventFromRecord(r *storage.Record) model.MessageEvent {
	return model.MessageEvent{
		Topic:       r.Topic,
		SchemaName:  r.Schema,
		ReceiveTime: r.ReceiveTime,
		PublishTime: r.PublishTime,
		Message:     r.Payload,
		SizeInBytes: len(r.Payload),
	}
}

// recordingIterator pages through a recording. It is not safe for concurrent use.
type recordingIterator struct {
	rec  storage.Recording
	opts storage.RangeOptions
	end  *model.Time

	buf      []storage.Entry
	done     bool
	lastTime model.Time
	seen     bool
	stamped  bool
	closed   bool
}

func (it *recordingIterator) Next(ctx context.Context) (model.IteratorResult, bool, error) {
	if it.closed {
		return model.IteratorResult{}, false, nil
	}
	for len(it.buf) == 0 {
		if it.done {
			return it.finalStamp()
		}
		page, err := it.rec.ReadRange(ctx, it.opts)
		if err != nil {
			return model.IteratorResult{}, false, err
		}
		it.buf = page.Entries
		it.done = page.Done
		last := page.Last
		it.opts.After = &last
	}

	e := it.buf[0]
	it.buf = it.buf[1:]
	if e.Err != nil {
		return model.NewProblemResult(model.Problem{
			Severity: model.SeverityWarn,
			Message:  fmt.Sprintf("skipped unreadable record at %s", e.Key.Time()),
			Err:      e.Err.Error(),
		}), true, nil
	}
	it.lastTime, it.seen = e.Record.ReceiveTime, true
	return model.NewMessageResult(eventFromRecord(e.Record)), true, nil
}

// finalStamp proves time advanced to the requested end once data runs out.
func (it *recordingIterator) finalStamp() (model.IteratorResult, bool, error) {
	if it.stamped || it.end == nil {
		return model.IteratorResult{}, false, nil
	}
	it.stamped = true
	if it.seen && !it.lastTime.Before(*it.end) {
		return model.IteratorResult{}, false, nil
	}
	return model.NewStampResult(*it.end), true, nil
}

func (it *recordingIterator) Close() error {
	it.closed = true
	it.buf = nil
	return nil
}
