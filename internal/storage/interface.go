package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/withobsrvr/flowscope/internal/model"
)

// ErrNotFound is returned when a lookup has no matching record.
var ErrNotFound = errors.New("storage: record not found")

// ErrClosed is returned by operations on a recording that is not open.
var ErrClosed = errors.New("storage: recording is not open")

// Record is one stored message.
type Record struct {
	Seq         uint64
	Topic       string
	Schema      string
	ReceiveTime model.Time
	PublishTime model.Time
	Payload     []byte
}

// KeySize is the byte length of a Key.
const KeySize = 20

// Key orders records by receive time, then by append sequence.
// Layout: sec(8B BE, sign-flipped) | nsec(4B BE) | seq(8B BE)
type Key [KeySize]byte

// MakeKey builds the sortable key for a receive time and sequence.
func MakeKey(t model.Time, seq uint64) Key {
	var k Key
	binary.BigEndian.PutUint64(k[0:8], uint64(t.Sec)^(1<<63))
	binary.BigEndian.PutUint32(k[8:12], uint32(t.Nsec))
	binary.BigEndian.PutUint64(k[12:20], seq)
	return k
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("storage: key length %d, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Time returns the receive time encoded in k.
func (k Key) Time() model.Time {
	return model.Time{
		Sec:  int64(binary.BigEndian.Uint64(k[0:8]) ^ (1 << 63)),
		Nsec: int32(binary.BigEndian.Uint32(k[8:12])),
	}
}

// Seq returns the append sequence encoded in k.
func (k Key) Seq() uint64 { return binary.BigEndian.Uint64(k[12:20]) }

// RangeOptions selects a page of records.
type RangeOptions struct {
	// Start is the inclusive lower time bound, used when After is nil.
	Start model.Time
	// After resumes strictly after a key returned by a previous page.
	After *Key
	// End is the inclusive upper time bound; nil reads to the end.
	End *model.Time
	// Topics filters records; empty means all topics.
	Topics []string
	// Limit caps the number of entries; zero means DefaultPageSize.
	Limit int
}

// DefaultPageSize bounds a ReadRange page when RangeOptions.Limit is zero.
const DefaultPageSize = 256

// Entry is one scanned slot. Exactly one of Record and Err is set.
type Entry struct {
	Key    Key
	Record *Record
	Err    error
}

// Page is the result of ReadRange.
type Page struct {
	Entries []Entry
	// Last is the key of the last scanned slot, including filtered-out ones.
	Last Key
	// Done is true when the range has no further slots.
	Done bool
}

// TopicSummary describes one topic in a recording.
type TopicSummary struct {
	Schema string     `codec:"schema"`
	Count  int64      `codec:"count"`
	First  model.Time `codec:"first"`
	Last   model.Time `codec:"last"`
}

// Summary is the recording-wide metadata kept up to date by Append.
type Summary struct {
	Start    model.Time              `codec:"start"`
	End      model.Time              `codec:"end"`
	Records  uint64                  `codec:"records"`
	LastSeq  uint64                  `codec:"last_seq"`
	Topics   map[string]TopicSummary `codec:"topics"`
	Metadata map[string]string       `codec:"metadata"`
}

// Recording defines the interface for recorded message storage
type Recording interface {
	// Open initializes the storage and makes it ready for use
	Open() error

	// Close closes the storage and releases any resources
	Close() error

	// Append stores records and assigns their sequence numbers
	Append(ctx context.Context, recs []Record) error

	// ReadRange returns the next page of records in (time, seq) order
	ReadRange(ctx context.Context, opts RangeOptions) (Page, error)

	// Latest returns the most recent record on topic at or before at
	Latest(ctx context.Context, topic string, at model.Time) (*Record, error)

	// Summary reports topics, counts and time bounds
	Summary(ctx context.Context) (*Summary, error)

	// SetMetadata stores a key/value pair in the summary metadata
	SetMetadata(ctx context.Context, key, value string) error
}

// IsNotFound returns true if err is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// newSummary returns an empty summary ready for updates.
func newSummary() *Summary {
	return &Summary{Topics: map[string]TopicSummary{}, Metadata: map[string]string{}}
}

// observe folds a freshly appended record into the summary.
func (s *Summary) observe(r *Record) {
	if s.Topics == nil {
		s.Topics = map[string]TopicSummary{}
	}
	if s.Records == 0 || r.ReceiveTime.Before(s.Start) {
		s.Start = r.ReceiveTime
	}
	if s.Records == 0 || r.ReceiveTime.After(s.End) {
		s.End = r.ReceiveTime
	}
	s.Records++
	if r.Seq > s.LastSeq {
		s.LastSeq = r.Seq
	}
	ts, ok := s.Topics[r.Topic]
	if !ok {
		ts = TopicSummary{Schema: r.Schema, First: r.ReceiveTime, Last: r.ReceiveTime}
	}
	if r.ReceiveTime.Before(ts.First) {
		ts.First = r.ReceiveTime
	}
	if r.ReceiveTime.After(ts.Last) {
		ts.Last = r.ReceiveTime
	}
	ts.Count++
	s.Topics[r.Topic] = ts
}

// clone returns a deep copy so callers cannot mutate a backend's summary.
func (s *Summary) clone() *Summary {
	out := *s
	out.Topics = make(map[string]TopicSummary, len(s.Topics))
	for k, v := range s.Topics {
		out.Topics[k] = v
	}
	out.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// rangeFilter holds the decoded RangeOptions shared by every backend.
type rangeFilter struct {
	from   Key
	after  bool
	end    *model.Time
	topics map[string]struct{}
	limit  int
}

func newRangeFilter(opts RangeOptions) rangeFilter {
	f := rangeFilter{end: opts.End, limit: opts.Limit}
	if f.limit <= 0 {
		f.limit = DefaultPageSize
	}
	if opts.After != nil {
		f.from = *opts.After
		f.after = true
	} else {
		f.from = MakeKey(opts.Start, 0)
	}
	if len(opts.Topics) > 0 {
		f.topics = make(map[string]struct{}, len(opts.Topics))
		for _, t := range opts.Topics {
			f.topics[t] = struct{}{}
		}
	}
	return f
}

// pastEnd reports whether k lies beyond the inclusive end bound.
func (f rangeFilter) pastEnd(k Key) bool {
	return f.end != nil && k.Time().After(*f.end)
}

// wants reports whether a decoded record passes the topic filter.
func (f rangeFilter) wants(r *Record) bool {
	if f.topics == nil {
		return true
	}
	_, ok := f.topics[r.Topic]
	return ok
}
