package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

const (
	// DefaultBoltFileMode is the default file mode for the BoltDB file
	DefaultBoltFileMode = 0600

	// DefaultBoltTimeout is the default timeout for acquiring the BoltDB file lock
	DefaultBoltTimeout = 1 * time.Second
)

var (
	messagesBucket = []byte("messages")
	topicsBucket   = []byte("topics")
	metaBucket     = []byte("meta")
	summaryKey     = []byte("summary")
)

// BoltRecording implements the Recording interface using BoltDB
type BoltRecording struct {
	db      *bolt.DB
	path    string
	options *BoltOptions

	mu      sync.RWMutex
	summary *Summary
}

// BoltOptions configures the BoltDB recording
type BoltOptions struct {
	// Path to the BoltDB file
	Path string
	// File mode for the BoltDB file
	FileMode os.FileMode
	// Timeout for acquiring the file lock
	Timeout time.Duration
	// ReadOnly opens an existing file without write access; playback uses this.
	ReadOnly bool
}

// NewBoltRecording creates a new BoltRecording with the given options
func NewBoltRecording(opts *BoltOptions) *BoltRecording {
	if opts == nil {
		opts = &BoltOptions{}
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultBoltFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultBoltTimeout
	}

	return &BoltRecording{
		path:    opts.Path,
		options: opts,
	}
}

// Open initializes the BoltDB database
func (s *BoltRecording) Open() error {
	if s.path == "" {
		return fmt.Errorf("bolt recording path is required")
	}
	logger.Debug("Opening BoltDB recording", zap.String("path", s.path), zap.Bool("read_only", s.options.ReadOnly))

	if !s.options.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for recording: %w", err)
		}
	} else if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}

	db, err := bolt.Open(s.path, s.options.FileMode, &bolt.Options{
		Timeout:  s.options.Timeout,
		ReadOnly: s.options.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to open BoltDB: %w", err)
	}
	s.db = db

	summary := newSummary()
	if !s.options.ReadOnly {
		err = s.db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{messagesBucket, topicsBucket, metaBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("failed to create %s bucket: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			s.db.Close()
			return fmt.Errorf("failed to initialize recording: %w", err)
		}
	}

	err = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		raw := meta.Get(summaryKey)
		if raw == nil {
			return nil
		}
		loaded, err := decodeSummary(raw)
		if err != nil {
			return err
		}
		summary = loaded
		return nil
	})
	if err != nil {
		s.db.Close()
		return fmt.Errorf("failed to load recording summary: %w", err)
	}

	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()

	logger.Debug("BoltDB recording opened",
		zap.String("path", s.path),
		zap.Uint64("records", summary.Records))
	return nil
}

// Close closes the BoltDB database
func (s *BoltRecording) Close() error {
	if s.db != nil {
		logger.Debug("Closing BoltDB recording", zap.String("path", s.path))
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Append stores records in one transaction and assigns their sequence numbers
func (s *BoltRecording) Append(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db == nil {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.summary.clone()

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		topics := tx.Bucket(topicsBucket)
		meta := tx.Bucket(metaBucket)
		if msgs == nil || topics == nil || meta == nil {
			return fmt.Errorf("recording is missing buckets (opened read-only?)")
		}
		for i := range recs {
			rec := &recs[i]
			rec.Seq = next.LastSeq + 1
			val, err := EncodeRecord(rec)
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			key := MakeKey(rec.ReceiveTime, rec.Seq)
			if err := msgs.Put(key[:], val); err != nil {
				return fmt.Errorf("failed to store record: %w", err)
			}
			idx, err := topics.CreateBucketIfNotExists([]byte(rec.Topic))
			if err != nil {
				return fmt.Errorf("failed to create topic index %q: %w", rec.Topic, err)
			}
			if err := idx.Put(key[:], []byte{}); err != nil {
				return fmt.Errorf("failed to index record: %w", err)
			}
			next.observe(rec)
		}
		raw, err := encodeSummary(next)
		if err != nil {
			return err
		}
		return meta.Put(summaryKey, raw)
	})
	if err != nil {
		return err
	}

	s.summary = next
	logger.Debug("Appended records", zap.Int("count", len(recs)), zap.Uint64("last_seq", next.LastSeq))
	return nil
}

// ReadRange returns the next page of records in (time, seq) order
func (s *BoltRecording) ReadRange(ctx context.Context, opts RangeOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if s.db == nil {
		return Page{}, ErrClosed
	}
	f := newRangeFilter(opts)
	page := Page{Last: f.from}

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		if msgs == nil {
			page.Done = true
			return nil
		}
		c := msgs.Cursor()
		k, v := c.Seek(f.from[:])
		if f.after && k != nil && bytes.Equal(k, f.from[:]) {
			k, v = c.Next()
		}
		for ; k != nil; k, v = c.Next() {
			key, err := KeyFromBytes(k)
			if err != nil {
				return err
			}
			if f.pastEnd(key) {
				page.Done = true
				return nil
			}
			if len(page.Entries) >= f.limit {
				return nil
			}
			page.Last = key
			rec, err := DecodeRecord(key, v)
			if err != nil {
				page.Entries = append(page.Entries, Entry{Key: key, Err: err})
				continue
			}
			if f.wants(rec) {
				page.Entries = append(page.Entries, Entry{Key: key, Record: rec})
			}
		}
		page.Done = true
		return nil
	})
	return page, err
}

// Latest returns the most recent record on topic at or before at
func (s *BoltRecording) Latest(ctx context.Context, topic string, at model.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, ErrClosed
	}
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		topics := tx.Bucket(topicsBucket)
		if topics == nil {
			return ErrNotFound
		}
		idx := topics.Bucket([]byte(topic))
		if idx == nil {
			return ErrNotFound
		}
		target := MakeKey(at, ^uint64(0))
		c := idx.Cursor()
		k, _ := c.Seek(target[:])
		if k == nil {
			k, _ = c.Last()
		} else if bytes.Compare(k, target[:]) > 0 {
			k, _ = c.Prev()
		}
		if k == nil {
			return ErrNotFound
		}
		key, err := KeyFromBytes(k)
		if err != nil {
			return err
		}
		v := tx.Bucket(messagesBucket).Get(k)
		if v == nil {
			return fmt.Errorf("topic index points at missing record %s#%d: %w", key.Time(), key.Seq(), ErrNotFound)
		}
		rec, err = DecodeRecord(key, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Summary reports topics, counts and time bounds
func (s *BoltRecording) Summary(ctx context.Context) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.summary == nil {
		return nil, ErrClosed
	}
	return s.summary.clone(), nil
}

// SetMetadata stores a key/value pair in the summary metadata
func (s *BoltRecording) SetMetadata(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.summary.clone()
	next.Metadata[key] = value
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return fmt.Errorf("recording is missing meta bucket (opened read-only?)")
		}
		raw, err := encodeSummary(next)
		if err != nil {
			return err
		}
		return meta.Put(summaryKey, raw)
	})
	if err != nil {
		return err
	}
	s.summary = next
	return nil
}
