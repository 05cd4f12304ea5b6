package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/flowscope/internal/model"
)

type backend struct {
	name string
	open func(t *testing.T) Recording
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Recording {
			r := NewMemoryRecording()
			require.NoError(t, r.Open())
			return r
		}},
		{"bolt", func(t *testing.T) Recording {
			r := NewBoltRecording(&BoltOptions{Path: filepath.Join(t.TempDir(), "rec.db")})
			require.NoError(t, r.Open())
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
		{"pebble", func(t *testing.T) Recording {
			r := NewPebbleRecording(PebbleOptions{DataDir: filepath.Join(t.TempDir(), "rec")})
			require.NoError(t, r.Open())
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
	}
}

func seed(t *testing.T, r Recording) {
	t.Helper()
	recs := []Record{
		{Topic: "/foo", Schema: "std_msgs/String", ReceiveTime: model.Time{Sec: 0}, Payload: []byte("a")},
		{Topic: "/bar", Schema: "std_msgs/Int32", ReceiveTime: model.Time{Sec: 0, Nsec: 500}, Payload: []byte("b")},
		{Topic: "/foo", Schema: "std_msgs/String", ReceiveTime: model.Time{Sec: 1}, Payload: []byte("c")},
		{Topic: "/foo", Schema: "std_msgs/String", ReceiveTime: model.Time{Sec: 2}, Payload: []byte("d")},
		{Topic: "/bar", Schema: "std_msgs/Int32", ReceiveTime: model.Time{Sec: 2}, Payload: []byte("e")},
	}
	require.NoError(t, r.Append(context.Background(), recs))
}

func payloads(p Page) string {
	var b bytes.Buffer
	for _, e := range p.Entries {
		if e.Record != nil {
			b.Write(e.Record.Payload)
		} else {
			b.WriteByte('!')
		}
	}
	return b.String()
}

func TestRecordingReadRange(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			r := be.open(t)
			seed(t, r)

			page, err := r.ReadRange(ctx, RangeOptions{})
			require.NoError(t, err)
			assert.True(t, page.Done)
			assert.Equal(t, "abcde", payloads(page))

			end := model.Time{Sec: 1}
			page, err = r.ReadRange(ctx, RangeOptions{End: &end})
			require.NoError(t, err)
			assert.True(t, page.Done)
			assert.Equal(t, "abc", payloads(page), "end bound is inclusive")

			page, err = r.ReadRange(ctx, RangeOptions{Start: model.Time{Sec: 1}, Topics: []string{"/foo"}})
			require.NoError(t, err)
			assert.Equal(t, "cd", payloads(page))
		})
	}
}

func TestRecordingPaging(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			r := be.open(t)
			seed(t, r)

			var got string
			opts := RangeOptions{Limit: 2}
			for i := 0; i < 10; i++ {
				page, err := r.ReadRange(ctx, opts)
				require.NoError(t, err)
				got += payloads(page)
				if page.Done {
					break
				}
				last := page.Last
				opts.After = &last
			}
			assert.Equal(t, "abcde", got)
		})
	}
}

func TestRecordingLatest(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			r := be.open(t)
			seed(t, r)

			rec, err := r.Latest(ctx, "/foo", model.Time{Sec: 1, Nsec: 999})
			require.NoError(t, err)
			assert.Equal(t, "c", string(rec.Payload))

			rec, err = r.Latest(ctx, "/foo", model.Time{Sec: 2})
			require.NoError(t, err)
			assert.Equal(t, "d", string(rec.Payload), "lookup is inclusive of the exact time")

			_, err = r.Latest(ctx, "/bar", model.Time{Sec: 0})
			assert.True(t, IsNotFound(err), "no /bar message at or before 0s")

			_, err = r.Latest(ctx, "/missing", model.Time{Sec: 10})
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestRecordingSummary(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			r := be.open(t)
			seed(t, r)
			require.NoError(t, r.SetMetadata(ctx, "robot", "rover-1"))

			s, err := r.Summary(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), s.Records)
			assert.Equal(t, uint64(5), s.LastSeq)
			assert.Equal(t, model.Time{}, s.Start)
			assert.Equal(t, model.Time{Sec: 2}, s.End)
			assert.Equal(t, int64(3), s.Topics["/foo"].Count)
			assert.Equal(t, "std_msgs/Int32", s.Topics["/bar"].Schema)
			assert.Equal(t, "rover-1", s.Metadata["robot"])
		})
	}
}

func TestBoltRecordingReopenReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rec.db")
	w := NewBoltRecording(&BoltOptions{Path: path})
	require.NoError(t, w.Open())
	seed(t, w)
	require.NoError(t, w.Close())

	r := NewBoltRecording(&BoltOptions{Path: path, ReadOnly: true})
	require.NoError(t, r.Open())
	defer r.Close()

	s, err := r.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s.Records)

	err = r.Append(ctx, []Record{{Topic: "/x"}})
	assert.Error(t, err)
}

func TestBoltRecordingOpenMissingReadOnly(t *testing.T) {
	r := NewBoltRecording(&BoltOptions{Path: filepath.Join(t.TempDir(), "nope.db"), ReadOnly: true})
	assert.Error(t, r.Open())
}

func TestMemoryRecordingCorruptEntry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRecording()
	require.NoError(t, r.Open())
	seed(t, r)
	r.PutRaw(MakeKey(model.Time{Sec: 1, Nsec: 1}, 99), []byte("garbage"))

	page, err := r.ReadRange(ctx, RangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc!de", payloads(page))
	assert.ErrorIs(t, page.Entries[3].Err, ErrCorruptRecord)
}
