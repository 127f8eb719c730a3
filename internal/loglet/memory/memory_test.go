package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
)

func newTestLoglet(t *testing.T) loglet.Loglet {
	t.Helper()
	provider, err := NewFactory(Config{}).Create(context.Background())
	require.NoError(t, err)
	l, err := provider.GetLoglet(context.Background(), "0")
	require.NoError(t, err)
	return l
}

func TestAppendAssignsContiguousOffsets(t *testing.T) {
	ctx := context.Background()
	l := newTestLoglet(t)

	for i := 1; i <= 3; i++ {
		off, err := l.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, loglet.Offset(i), off)
	}

	first, err := l.AppendBatch(ctx, [][]byte{{4}, {5}})
	require.NoError(t, err)
	require.Equal(t, loglet.Offset(4), first)

	tail, err := l.FindTail(ctx)
	require.NoError(t, err)
	require.Equal(t, loglet.Offset(5), tail)
}

func TestReadNextOptOnEmptyLoglet(t *testing.T) {
	l := newTestLoglet(t)
	rec, err := l.ReadNextOpt(context.Background(), loglet.OffsetInvalid)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestReadNextBlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	l := newTestLoglet(t)

	type result struct {
		rec loglet.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := l.ReadNext(ctx, loglet.OffsetInvalid)
		done <- result{rec, err}
	}()

	select {
	case <-done:
		t.Fatal("read returned before any append")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := l.Append(ctx, []byte("wake"))
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, loglet.Offset(1), res.rec.Offset)
	require.Equal(t, []byte("wake"), res.rec.Payload)
}

func TestTrimYieldsGapsAndClamps(t *testing.T) {
	ctx := context.Background()
	l := newTestLoglet(t)

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Trim(ctx, 5))

	tp, err := l.GetTrimPoint(ctx)
	require.NoError(t, err)
	require.Equal(t, loglet.Offset(5), tp)

	for after := loglet.Offset(0); after < 5; after++ {
		rec, err := l.ReadNextOpt(ctx, after)
		require.NoError(t, err)
		require.Equal(t, after+1, rec.Offset)
		require.Equal(t, loglet.Offset(5), rec.TrimGap)
	}
	for after := loglet.Offset(5); after < 10; after++ {
		rec, err := l.ReadNextOpt(ctx, after)
		require.NoError(t, err)
		require.Equal(t, after+1, rec.Offset)
		require.False(t, rec.IsTrimGap())
	}

	// Trim is idempotent and clamps at the tail.
	require.NoError(t, l.Trim(ctx, 5))
	require.NoError(t, l.Trim(ctx, loglet.Offset(1<<62)))
	tp, err = l.GetTrimPoint(ctx)
	require.NoError(t, err)
	require.Equal(t, loglet.Offset(10), tp)

	tail, err := l.FindTail(ctx)
	require.NoError(t, err)
	require.Equal(t, loglet.OffsetInvalid, tail)
}

func TestInitDelayQueuesConcurrentGets(t *testing.T) {
	ctx := context.Background()
	delay := 100 * time.Millisecond
	provider, err := NewFactory(Config{InitDelay: delay}).Create(ctx)
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	loglets := make([]loglet.Loglet, 4)
	for i := range loglets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := provider.GetLoglet(ctx, metadata.LogletParams("7"))
			require.NoError(t, err)
			loglets[i] = l
		}(i)
	}
	wg.Wait()

	// All callers waited for one materialization and share one loglet.
	require.GreaterOrEqual(t, time.Since(start), delay)
	for _, l := range loglets[1:] {
		require.Same(t, loglets[0], l)
	}
}
