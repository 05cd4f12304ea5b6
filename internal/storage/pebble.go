package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// Pebble keyspace:
//   - m/{key}              message values
//   - t/{topic}\x00{key}   per-topic index (empty values)
//   - meta/summary         msgpack Summary
var (
	pebbleMsgPrefix   = []byte("m/")
	pebbleTopicPrefix = []byte("t/")
	pebbleSummaryKey  = []byte("meta/summary")
)

// PebbleOptions configures a Pebble-backed recording.
type PebbleOptions struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// ReadOnly opens an existing directory without write access.
	ReadOnly bool
	// Sync forces a WAL fsync on every Append batch.
	Sync bool
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// PebbleRecording stores a recording in a Pebble LSM directory. Large recordings
// with heavy topic fan-out compact better here than in a single bbolt file.
type PebbleRecording struct {
	opts PebbleOptions
	db   *pebble.DB

	mu      sync.RWMutex
	summary *Summary
}

// NewPebbleRecording creates a recording rooted at opts.DataDir.
func NewPebbleRecording(opts PebbleOptions) *PebbleRecording {
	return &PebbleRecording{opts: opts}
}

func pebbleMsgKey(k Key) []byte {
	out := make([]byte, 0, len(pebbleMsgPrefix)+KeySize)
	out = append(out, pebbleMsgPrefix...)
	return append(out, k[:]...)
}

func pebbleTopicPrefixFor(topic string) []byte {
	out := make([]byte, 0, len(pebbleTopicPrefix)+len(topic)+1)
	out = append(out, pebbleTopicPrefix...)
	out = append(out, topic...)
	return append(out, 0x00)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Open opens or creates the Pebble directory and loads the summary.
func (p *PebbleRecording) Open() error {
	if p.opts.DataDir == "" {
		return errors.New("pebble recording DataDir is required")
	}
	if p.opts.ReadOnly {
		if _, err := os.Stat(p.opts.DataDir); err != nil {
			return fmt.Errorf("failed to open recording: %w", err)
		}
	}
	po := p.opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	po.ReadOnly = p.opts.ReadOnly

	logger.Debug("Opening Pebble recording", zap.String("dir", p.opts.DataDir), zap.Bool("read_only", p.opts.ReadOnly))
	db, err := pebble.Open(p.opts.DataDir, po)
	if err != nil {
		return fmt.Errorf("failed to open Pebble: %w", err)
	}
	p.db = db

	summary := newSummary()
	raw, closer, err := db.Get(pebbleSummaryKey)
	switch {
	case err == nil:
		loaded, derr := decodeSummary(raw)
		closer.Close()
		if derr != nil {
			db.Close()
			return fmt.Errorf("failed to load recording summary: %w", derr)
		}
		summary = loaded
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return fmt.Errorf("failed to load recording summary: %w", err)
	}

	p.mu.Lock()
	p.summary = summary
	p.mu.Unlock()
	return nil
}

// Close closes the Pebble database.
func (p *PebbleRecording) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PebbleRecording) writeOpts() *pebble.WriteOptions {
	if p.opts.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Append stores records as one atomic batch.
func (p *PebbleRecording) Append(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.db == nil {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.summary.clone()

	b := p.db.NewBatch()
	defer b.Close()
	for i := range recs {
		rec := &recs[i]
		rec.Seq = next.LastSeq + 1
		val, err := EncodeRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		key := MakeKey(rec.ReceiveTime, rec.Seq)
		if err := b.Set(pebbleMsgKey(key), val, nil); err != nil {
			return err
		}
		idx := append(pebbleTopicPrefixFor(rec.Topic), key[:]...)
		if err := b.Set(idx, nil, nil); err != nil {
			return err
		}
		next.observe(rec)
	}
	raw, err := encodeSummary(next)
	if err != nil {
		return err
	}
	if err := b.Set(pebbleSummaryKey, raw, nil); err != nil {
		return err
	}
	if err := b.Commit(p.writeOpts()); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	p.summary = next
	return nil
}

// ReadRange returns the next page of records in (time, seq) order.
func (p *PebbleRecording) ReadRange(ctx context.Context, opts RangeOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if p.db == nil {
		return Page{}, ErrClosed
	}
	f := newRangeFilter(opts)
	page := Page{Last: f.from}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleMsgPrefix,
		UpperBound: prefixEnd(pebbleMsgPrefix),
	})
	if err != nil {
		return page, err
	}
	defer iter.Close()

	from := pebbleMsgKey(f.from)
	valid := iter.SeekGE(from)
	if f.after && valid && string(iter.Key()) == string(from) {
		valid = iter.Next()
	}
	for ; valid; valid = iter.Next() {
		key, err := KeyFromBytes(iter.Key()[len(pebbleMsgPrefix):])
		if err != nil {
			return page, err
		}
		if f.pastEnd(key) {
			page.Done = true
			return page, nil
		}
		if len(page.Entries) >= f.limit {
			return page, nil
		}
		page.Last = key
		rec, err := DecodeRecord(key, iter.Value())
		if err != nil {
			page.Entries = append(page.Entries, Entry{Key: key, Err: err})
			continue
		}
		if f.wants(rec) {
			page.Entries = append(page.Entries, Entry{Key: key, Record: rec})
		}
	}
	page.Done = true
	return page, iter.Error()
}

// Latest returns the most recent record on topic at or before at.
func (p *PebbleRecording) Latest(ctx context.Context, topic string, at model.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.db == nil {
		return nil, ErrClosed
	}
	prefix := pebbleTopicPrefixFor(topic)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	target := MakeKey(at, ^uint64(0))
	if !iter.SeekLT(append(append([]byte(nil), prefix...), target[:]...)) {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		// SeekLT excludes the exact target; seq ^0 is never assigned.
		return nil, ErrNotFound
	}
	key, err := KeyFromBytes(iter.Key()[len(prefix):])
	if err != nil {
		return nil, err
	}
	raw, closer, err := p.db.Get(pebbleMsgKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("topic index points at missing record %s#%d: %w", key.Time(), key.Seq(), ErrNotFound)
		}
		return nil, err
	}
	defer closer.Close()
	return DecodeRecord(key, raw)
}

// Summary reports topics, counts and time bounds.
func (p *PebbleRecording) Summary(ctx context.Context) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.summary == nil {
		return nil, ErrClosed
	}
	return p.summary.clone(), nil
}

// SetMetadata stores a key/value pair in the summary metadata.
func (p *PebbleRecording) SetMetadata(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.db == nil {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.summary.clone()
	next.Metadata[key] = value
	raw, err := encodeSummary(next)
	if err != nil {
		return err
	}
	if err := p.db.Set(pebbleSummaryKey, raw, p.writeOpts()); err != nil {
		return err
	}
	p.summary = next
	return nil
}
