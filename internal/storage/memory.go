package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/withobsrvr/flowscope/internal/model"
)

type memoryEntry struct {
	key Key
	val []byte
}

// MemoryRecording implements the Recording interface in memory.
// Values go through the same codec as the on-disk backends.
type MemoryRecording struct {
	mu      sync.RWMutex
	entries []memoryEntry
	byTopic map[string][]Key
	summary *Summary
	open    bool
}

// NewMemoryRecording creates a new in-memory recording
func NewMemoryRecording() *MemoryRecording {
	return &MemoryRecording{}
}

// Open initializes the recording
func (m *MemoryRecording) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summary == nil {
		m.summary = newSummary()
		m.byTopic = map[string][]Key{}
	}
	m.open = true
	return nil
}

// Close marks the recording closed; contents are kept for a later Open
func (m *MemoryRecording) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// Append stores records and assigns their sequence numbers
func (m *MemoryRecording) Append(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	for i := range recs {
		rec := &recs[i]
		rec.Seq = m.summary.LastSeq + 1
		val, err := EncodeRecord(rec)
		if err != nil {
			return err
		}
		key := MakeKey(rec.ReceiveTime, rec.Seq)
		m.entries = insertSorted(m.entries, memoryEntry{key: key, val: val})
		m.byTopic[rec.Topic] = insertKey(m.byTopic[rec.Topic], key)
		m.summary.observe(rec)
	}
	return nil
}

// PutRaw stores an arbitrary value under key. Tests use it to inject corrupt records.
func (m *MemoryRecording) PutRaw(key Key, val []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = insertSorted(m.entries, memoryEntry{key: key, val: val})
}

// ReadRange returns the next page of records in (time, seq) order
func (m *MemoryRecording) ReadRange(ctx context.Context, opts RangeOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.open {
		return Page{}, ErrClosed
	}
	f := newRangeFilter(opts)
	page := Page{Last: f.from}

	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].key[:], f.from[:]) >= 0
	})
	if f.after && i < len(m.entries) && m.entries[i].key == f.from {
		i++
	}
	for ; i < len(m.entries); i++ {
		e := m.entries[i]
		if f.pastEnd(e.key) {
			page.Done = true
			return page, nil
		}
		if len(page.Entries) >= f.limit {
			return page, nil
		}
		page.Last = e.key
		rec, err := DecodeRecord(e.key, e.val)
		if err != nil {
			page.Entries = append(page.Entries, Entry{Key: e.key, Err: err})
			continue
		}
		if f.wants(rec) {
			page.Entries = append(page.Entries, Entry{Key: e.key, Record: rec})
		}
	}
	page.Done = true
	return page, nil
}

// Latest returns the most recent record on topic at or before at
func (m *MemoryRecording) Latest(ctx context.Context, topic string, at model.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.open {
		return nil, ErrClosed
	}
	keys := m.byTopic[topic]
	target := MakeKey(at, ^uint64(0))
	i := sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(keys[i][:], target[:]) > 0
	})
	if i == 0 {
		return nil, ErrNotFound
	}
	key := keys[i-1]
	j := sort.Search(len(m.entries), func(j int) bool {
		return bytes.Compare(m.entries[j].key[:], key[:]) >= 0
	})
	if j == len(m.entries) || m.entries[j].key != key {
		return nil, ErrNotFound
	}
	return DecodeRecord(key, m.entries[j].val)
}

// Summary reports topics, counts and time bounds
func (m *MemoryRecording) Summary(ctx context.Context) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.summary == nil {
		return nil, ErrClosed
	}
	return m.summary.clone(), nil
}

// SetMetadata stores a key/value pair in the summary metadata
func (m *MemoryRecording) SetMetadata(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	m.summary.Metadata[key] = value
	return nil
}

func insertSorted(entries []memoryEntry, e memoryEntry) []memoryEntry {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key[:], e.key[:]) >= 0
	})
	if i < len(entries) && entries[i].key == e.key {
		entries[i] = e
		return entries
	}
	entries = append(entries, memoryEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func insertKey(keys []Key, k Key) []Key {
	i := sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(keys[i][:], k[:]) >= 0
	})
	keys = append(keys, Key{})
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return keys
}
