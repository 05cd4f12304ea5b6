package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/testfixtures"
)

func ms(v int64) model.Time { return model.FromMillis(v) }

func times(t *testing.T, results []model.IteratorResult) []model.Time {
	t.Helper()
	out := make([]model.Time, 0, len(results))
	for _, r := range results {
		ct, ok := r.ComparableTime()
		require.True(t, ok, "unexpected %s", r)
		out = append(out, ct)
	}
	return out
}

func TestReadUntilCoverage(t *testing.T) {
	ctx := context.Background()
	src := testfixtures.NewSyntheticSource(2*time.Second, 100*time.Millisecond, "/a", "/b")

	open := func() *IteratorCursor {
		it, err := src.MessageIterator(ctx, source.IteratorArgs{})
		require.NoError(t, err)
		return New(it, nil)
	}

	for _, split := range []struct{ t1, t2 int64 }{
		{0, 1000}, {250, 1000}, {300, 300}, {999, 2000}, {1500, 1600},
	} {
		whole := open()
		want, ok, err := whole.ReadUntil(ctx, ms(split.t2))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, whole.End())

		parts := open()
		first, ok, err := parts.ReadUntil(ctx, ms(split.t1))
		require.NoError(t, err)
		require.True(t, ok)
		second, ok, err := parts.ReadUntil(ctx, ms(split.t2))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, parts.End())

		got := append(first, second...)
		assert.Equal(t, want, got, "split %d/%d", split.t1, split.t2)
		assert.NoError(t, model.CheckOrdering(got))
	}
}

func TestReadUntilOvershootRetention(t *testing.T) {
	ctx := context.Background()
	it := testfixtures.NewSliceIterator(
		testfixtures.Msg("/a", 0),
		testfixtures.Msg("/a", 10),
		testfixtures.Msg("/a", 50),
		testfixtures.Msg("/a", 60),
	)
	c := New(it, nil)

	got, ok, err := c.ReadUntil(ctx, ms(20))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{ms(0), ms(10)}, times(t, got))
	assert.Equal(t, 3, it.Consumed(), "the 50ms result was read and kept")

	// The kept result is past 30ms: empty slice, nothing pulled.
	got, ok, err = c.ReadUntil(ctx, ms(30))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, 3, it.Consumed())

	got, ok, err = c.ReadUntil(ctx, ms(55))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{ms(50)}, times(t, got))
}

func TestReadUntilBoundaryIsInclusiveForStampsAndMessages(t *testing.T) {
	ctx := context.Background()
	c := New(testfixtures.NewSliceIterator(
		testfixtures.Msg("/a", 10),
		testfixtures.Stamp(10),
		testfixtures.Stamp(11),
	), nil)

	got, ok, err := c.ReadUntil(ctx, ms(10))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, model.ResultMessageEvent, got[0].Type)
	assert.Equal(t, model.ResultStamp, got[1].Type)
}

func TestCancellationBeforeCallConsumesNothing(t *testing.T) {
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0), testfixtures.Msg("/a", 1))
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(it, nil)

	_, ok, err := c.Next(cancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := c.ReadUntil(cancelled, ms(10))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	got, ok, err = c.NextBatch(cancelled, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	assert.Equal(t, 0, it.Calls())
	assert.Equal(t, 0, it.Consumed())
}

func TestAbortContextIsSticky(t *testing.T) {
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0))
	abort, cancel := context.WithCancel(context.Background())
	c := New(it, abort)
	cancel()

	_, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.ReadUntil(context.Background(), ms(5))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, it.Consumed())
}

func TestAbortBeforeReadNeverConsumes(t *testing.T) {
	for i := 0; i < 200; i++ {
		it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0), testfixtures.Msg("/a", 10))
		abort, cancel := context.WithCancel(context.Background())
		cancel()
		c := New(it, abort)

		_, ok, err := c.Next(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
		batch, ok, err := c.NextBatch(context.Background(), time.Second)
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, batch)
		got, ok, err := c.ReadUntil(context.Background(), ms(50))
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, got)
		require.Equal(t, 0, it.Calls())
	}
}

func TestAbortAfterOvershootKeepsStashUnread(t *testing.T) {
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0), testfixtures.Msg("/a", 100))
	abort, cancel := context.WithCancel(context.Background())
	c := New(it, abort)

	got, ok, err := c.ReadUntil(context.Background(), ms(50))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)

	cancel()
	r, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.IteratorResult{}, r)
	assert.Equal(t, 2, it.Consumed())
}

func TestReadUntilCancelledMidReadDropsPartialProgress(t *testing.T) {
	ctx := context.Background()
	it := testfixtures.NewSliceIterator(
		testfixtures.Msg("/a", 0),
		testfixtures.Msg("/a", 100),
		testfixtures.Msg("/a", 150),
		testfixtures.Msg("/a", 200),
	)
	c := New(it, nil)

	got, ok, err := c.ReadUntil(ctx, ms(50))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)

	// Every further pull blocks on the gate until the read is cancelled.
	it.Gate = make(chan struct{})
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var midOK bool
	go func() {
		defer close(done)
		_, midOK, err = c.ReadUntil(rctx, ms(500))
	}()
	require.Eventually(t, func() bool { return it.Calls() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
	require.NoError(t, err)
	assert.False(t, midOK, "cancelled read reports no result")

	// The 100ms result was taken from the stash by the cancelled read and
	// dropped with its partial progress; the iterator resumes at 150ms.
	it.Gate = nil
	got, ok, err = c.ReadUntil(ctx, ms(500))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{ms(150), ms(200)}, times(t, got))
}

func TestReadUntilCancelledBeforePullKeepsStash(t *testing.T) {
	ctx := context.Background()
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0), testfixtures.Msg("/a", 100))
	c := New(it, nil)

	_, ok, err := c.ReadUntil(ctx, ms(50))
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok, err = c.ReadUntil(cancelled, ms(500))
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := c.ReadUntil(ctx, ms(500))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{ms(100)}, times(t, got))
}

func TestNextBatchWindowing(t *testing.T) {
	ctx := context.Background()
	c := New(testfixtures.NewSliceIterator(
		testfixtures.Msg("/a", 0),
		testfixtures.Msg("/a", 5),
		testfixtures.Msg("/a", 12),
		testfixtures.Msg("/a", 30),
	), nil)

	batch, ok, err := c.NextBatch(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{ms(0), ms(5), ms(12)}, times(t, batch))

	batch, ok, err = c.NextBatch(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{ms(30)}, times(t, batch))

	batch, ok, err = c.NextBatch(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, batch)
}

func TestNextBatchProblems(t *testing.T) {
	ctx := context.Background()
	c := New(testfixtures.NewSliceIterator(
		testfixtures.Problem("bad header"),
		testfixtures.Msg("/a", 0),
		testfixtures.Problem("bad record"),
		testfixtures.Msg("/a", 1),
	), nil)

	batch, ok, err := c.NextBatch(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, model.ResultProblem, batch[0].Type)

	batch, ok, err = c.NextBatch(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 2)
	assert.Equal(t, model.ResultProblem, batch[1].Type, "a problem ends the batch")

	r, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms(1), r.MsgEvent.ReceiveTime)
}

func TestReadUntilIncludesProblems(t *testing.T) {
	c := New(testfixtures.NewSliceIterator(
		testfixtures.Msg("/a", 0),
		testfixtures.Problem("bad"),
		testfixtures.Msg("/a", 20),
	), nil)
	got, ok, err := c.ReadUntil(context.Background(), ms(10))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, model.ResultProblem, got[1].Type)
}

func TestNextConsumesStashFirst(t *testing.T) {
	ctx := context.Background()
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0), testfixtures.Msg("/a", 10))
	c := New(it, nil)

	got, ok, err := c.ReadUntil(ctx, ms(5))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)

	r, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms(10), r.MsgEvent.ReceiveTime)
	assert.Equal(t, 2, it.Consumed())

	_, ok, err = c.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted")
}

func TestEndToEndFooScenario(t *testing.T) {
	ctx := context.Background()
	src := testfixtures.NewSyntheticSource(2*time.Second, time.Second, "/foo")
	it, err := src.MessageIterator(ctx, source.IteratorArgs{Topics: []string{"/foo"}})
	require.NoError(t, err)
	c := New(it, nil)
	defer c.End()

	got, ok, err := c.ReadUntil(ctx, model.Time{Sec: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.Time{{Sec: 0}, {Sec: 1}}, times(t, got))

	got, ok, err = c.ReadUntil(ctx, model.Time{Sec: 2})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, model.Time{Sec: 2}, got[0].MsgEvent.ReceiveTime)
	assert.Equal(t, "/foo@2.000000000", string(got[0].MsgEvent.Message))
}

func TestOverlappingReadsAreRejected(t *testing.T) {
	ctx := context.Background()
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0))
	it.Gate = make(chan struct{})
	c := New(it, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok, err := c.Next(ctx)
		assert.NoError(t, err)
		assert.True(t, ok)
	}()
	require.Eventually(t, func() bool { return it.Calls() == 1 }, time.Second, time.Millisecond)

	_, _, err := c.ReadUntil(ctx, ms(10))
	assert.ErrorIs(t, err, ErrCursorBusy)
	_, _, err = c.NextBatch(ctx, time.Second)
	assert.ErrorIs(t, err, ErrCursorBusy)

	it.Gate <- struct{}{}
	wg.Wait()
	assert.Equal(t, 1, it.Consumed(), "rejected calls did not touch the iterator")
}

func TestEndReleasesIteratorOnce(t *testing.T) {
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0))
	c := New(it, nil)
	require.NoError(t, c.End())
	require.NoError(t, c.End())
	assert.Equal(t, 1, it.Closes())

	_, _, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrCursorEnded)
	_, _, err = c.ReadUntil(context.Background(), ms(1))
	assert.ErrorIs(t, err, ErrCursorEnded)
}

func TestIteratorErrorsPropagate(t *testing.T) {
	boom := errors.New("disk on fire")
	it := testfixtures.NewSliceIterator(testfixtures.Msg("/a", 0))
	it.Err = boom
	c := New(it, nil)

	_, ok, err := c.ReadUntil(context.Background(), ms(100))
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}
