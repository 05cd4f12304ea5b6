package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/storage"
)

func sec(s int64) model.Time { return model.Time{Sec: s} }

func seedRecording(t *testing.T, r storage.Recording) {
	t.Helper()
	require.NoError(t, r.Append(context.Background(), []storage.Record{
		{Topic: "/foo", Schema: "std_msgs/String", ReceiveTime: sec(0), Payload: []byte("foo0")},
		{Topic: "/bar", Schema: "std_msgs/Int32", ReceiveTime: sec(1), Payload: []byte("bar1")},
		{Topic: "/foo", Schema: "std_msgs/String", ReceiveTime: sec(2), Payload: []byte("foo2")},
	}))
}

func memorySource(t *testing.T, opts ...RecordingOption) (*RecordingSource, *storage.MemoryRecording) {
	t.Helper()
	rec := storage.NewMemoryRecording()
	require.NoError(t, rec.Open())
	seedRecording(t, rec)
	return NewRecordingSource(rec, opts...), rec
}

func drain(t *testing.T, it MessageIterator) []model.IteratorResult {
	t.Helper()
	var out []model.IteratorResult
	for {
		r, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestRecordingSourceInitialize(t *testing.T) {
	src, rec := memorySource(t)
	require.NoError(t, rec.SetMetadata(context.Background(), "profile", "ros2"))

	info, err := src.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sec(0), info.Start)
	assert.Equal(t, sec(2), info.End)
	assert.Equal(t, []model.Topic{
		{Name: "/bar", SchemaName: "std_msgs/Int32"},
		{Name: "/foo", SchemaName: "std_msgs/String"},
	}, info.Topics)
	assert.Equal(t, int64(2), info.TopicStats["/foo"].NumMessages)
	assert.Equal(t, "ros2", info.Profile)
	assert.Empty(t, info.Problems)
}

func TestRecordingSourceEmptyRecordingReportsProblem(t *testing.T) {
	rec := storage.NewMemoryRecording()
	require.NoError(t, rec.Open())
	info, err := NewRecordingSource(rec).Initialize(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Problems, 1)
	assert.Equal(t, model.SeverityWarn, info.Problems[0].Severity)
}

func TestRecordingIteratorPagesInOrder(t *testing.T) {
	src, _ := memorySource(t, WithPageSize(1))
	it, err := src.MessageIterator(context.Background(), IteratorArgs{})
	require.NoError(t, err)
	defer it.Close()

	results := drain(t, it)
	require.Len(t, results, 3)
	require.NoError(t, model.CheckOrdering(results))
	assert.Equal(t, "foo0", string(results[0].MsgEvent.Message))
	assert.Equal(t, "bar1", string(results[1].MsgEvent.Message))
	assert.Equal(t, "foo2", string(results[2].MsgEvent.Message))
}

func TestRecordingIteratorBoundsAndTrailingStamp(t *testing.T) {
	src, _ := memorySource(t)
	start, end := sec(1), model.Time{Sec: 1, Nsec: 500}
	it, err := src.MessageIterator(context.Background(), IteratorArgs{Start: &start, End: &end})
	require.NoError(t, err)

	results := drain(t, it)
	require.Len(t, results, 2)
	assert.Equal(t, model.ResultMessageEvent, results[0].Type)
	assert.Equal(t, "/bar", results[0].MsgEvent.Topic)
	assert.Equal(t, model.ResultStamp, results[1].Type)
	assert.Equal(t, end, results[1].Stamp)

	// No stamp when the last message already sits at the end bound.
	end = sec(2)
	it, err = src.MessageIterator(context.Background(), IteratorArgs{Topics: []string{"/foo"}, End: &end})
	require.NoError(t, err)
	results = drain(t, it)
	require.Len(t, results, 2)
	assert.Equal(t, model.ResultMessageEvent, results[1].Type)
}

func TestRecordingIteratorCorruptRecordIsProblem(t *testing.T) {
	src, rec := memorySource(t)
	rec.PutRaw(storage.MakeKey(model.Time{Sec: 1, Nsec: 1}, 50), []byte{0xde, 0xad})

	it, err := src.MessageIterator(context.Background(), IteratorArgs{})
	require.NoError(t, err)
	results := drain(t, it)
	require.Len(t, results, 4)
	assert.Equal(t, model.ResultProblem, results[2].Type)
	assert.Contains(t, results[2].Problem.Err, "corrupt")
	assert.Equal(t, "foo2", string(results[3].MsgEvent.Message), "iteration continues past the problem")
}

func TestRecordingIteratorCloseStops(t *testing.T) {
	src, _ := memorySource(t)
	it, err := src.MessageIterator(context.Background(), IteratorArgs{})
	require.NoError(t, err)
	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, it.Close())
	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordingSourceBackfill(t *testing.T) {
	src, _ := memorySource(t)
	ctx := context.Background()

	msgs, err := src.GetBackfillMessages(ctx, BackfillArgs{Topics: []string{"/foo", "/bar"}, Time: model.Time{Sec: 1, Nsec: 900}})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "foo0", string(msgs[0].Message))
	assert.Equal(t, "bar1", string(msgs[1].Message))

	msgs, err = src.GetBackfillMessages(ctx, BackfillArgs{Time: sec(2)})
	require.NoError(t, err)
	require.Len(t, msgs, 2, "no topics means all topics")
	assert.Equal(t, "bar1", string(msgs[0].Message))
	assert.Equal(t, "foo2", string(msgs[1].Message))

	msgs, err = src.GetBackfillMessages(ctx, BackfillArgs{Topics: []string{"/bar"}, Time: sec(0)})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.GetBackfillMessages(cancelled, BackfillArgs{Topics: []string{"/foo"}, Time: sec(2)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestArgsValidate(t *testing.T) {
	assert.ErrorIs(t, Args{}.Validate(), ErrInvalidArgs)
	assert.ErrorIs(t, Args{File: "a", URL: "b"}.Validate(), ErrInvalidArgs)
	assert.NoError(t, Args{File: "a"}.Validate())
	assert.NoError(t, Args{URL: "http://x/y"}.Validate())

	_, _, err := Open(context.Background(), Args{})
	assert.True(t, errors.Is(err, ErrInvalidArgs))
}

func writeBolt(t *testing.T, path string) {
	t.Helper()
	rec := storage.NewBoltRecording(&storage.BoltOptions{Path: path})
	require.NoError(t, rec.Open())
	seedRecording(t, rec)
	require.NoError(t, rec.Close())
}

func TestOpenDetectsBackend(t *testing.T) {
	dir := t.TempDir()
	boltPath := filepath.Join(dir, "rec.db")
	writeBolt(t, boltPath)

	pebblePath := filepath.Join(dir, "rec-pebble")
	prec := storage.NewPebbleRecording(storage.PebbleOptions{DataDir: pebblePath})
	require.NoError(t, prec.Open())
	seedRecording(t, prec)
	require.NoError(t, prec.Close())

	cases := []struct {
		name    string
		args    Args
		backend string
	}{
		{"bolt file", Args{File: boltPath}, BackendBolt},
		{"pebble dir", Args{File: pebblePath}, BackendPebble},
		{"file url", Args{URL: "file://" + boltPath}, BackendBolt},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			src, f, err := Open(context.Background(), c.args)
			require.NoError(t, err)
			defer src.Close()
			assert.Equal(t, c.backend, f.Name)
			assert.Equal(t, 10*time.Second, f.ReadAhead)

			info, err := src.Initialize(context.Background())
			require.NoError(t, err)
			assert.Len(t, info.Topics, 2)
		})
	}

	_, err := Resolve(Args{File: boltPath, Backend: "nope"})
	assert.Error(t, err)
	_, err = Resolve(Args{URL: "s3://bucket/rec.db"})
	assert.Error(t, err)
}

func TestOpenHTTPDownloadsRecording(t *testing.T) {
	boltPath := filepath.Join(t.TempDir(), "rec.db")
	writeBolt(t, boltPath)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rec.db" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, boltPath)
	}))
	defer srv.Close()

	src, f, err := Open(context.Background(), Args{URL: srv.URL + "/rec.db"})
	require.NoError(t, err)
	assert.Equal(t, BackendHTTP, f.Name)
	assert.Equal(t, 30*time.Second, f.ReadAhead)

	msgs, err := src.GetBackfillMessages(context.Background(), BackfillArgs{Topics: []string{"/foo"}, Time: sec(5)})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "foo2", string(msgs[0].Message))

	tmp := src.(*downloadedSource).path
	require.NoError(t, src.Close())
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "temp download removed on close")

	_, _, err = Open(context.Background(), Args{URL: srv.URL + "/missing"})
	assert.Error(t, err)
}

func TestRegisterCustomFactory(t *testing.T) {
	Register(Factory{
		Name:      "memory-test",
		ReadAhead: time.Second,
		Open: func(ctx context.Context, args Args) (Source, error) {
			src, _ := memorySource(t)
			return src, nil
		},
	})
	assert.Contains(t, Names(), "memory-test")

	s, err := Auto().Open(context.Background(), Args{File: "ignored", Backend: "memory-test"})
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*RecordingSource)
	assert.True(t, ok)
}
