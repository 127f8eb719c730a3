package loglet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runefall/bifrost/internal/types"
)

// stubLoglet is just enough of a loglet to exercise offset translation.
type stubLoglet struct {
	mu      sync.Mutex
	records [][]byte
	trim    Offset
}

func (s *stubLoglet) Append(ctx context.Context, payload []byte) (Offset, error) {
	return s.AppendBatch(ctx, [][]byte{payload})
}

func (s *stubLoglet) AppendBatch(_ context.Context, payloads [][]byte) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := Offset(len(s.records)) + 1
	s.records = append(s.records, payloads...)
	return first, nil
}

func (s *stubLoglet) ReadNext(ctx context.Context, after Offset) (Record, error) {
	rec, err := s.ReadNextOpt(ctx, after)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *stubLoglet) ReadNextOpt(_ context.Context, after Offset) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := after + 1
	if next <= s.trim {
		return &Record{Offset: next, TrimGap: s.trim}, nil
	}
	if int(next) > len(s.records) {
		return nil, nil
	}
	return &Record{Offset: next, Payload: s.records[next-1]}, nil
}

func (s *stubLoglet) FindTail(context.Context) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Offset(len(s.records)), nil
}

func (s *stubLoglet) GetTrimPoint(context.Context) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trim, nil
}

func (s *stubLoglet) Trim(_ context.Context, trimPoint Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trimPoint > s.trim {
		s.trim = trimPoint
	}
	return nil
}

func TestWrapperTranslatesOffsets(t *testing.T) {
	ctx := context.Background()
	w := Wrap(100, &stubLoglet{})

	lsn, err := w.Append(ctx, types.EncodePayload([]byte("a")))
	require.NoError(t, err)
	require.Equal(t, types.Lsn(100), lsn)

	lsn, err = w.AppendBatch(ctx, [][]byte{
		types.EncodePayload([]byte("b")),
		types.EncodePayload([]byte("c")),
	})
	require.NoError(t, err)
	require.Equal(t, types.Lsn(101), lsn)

	// Reading from before the base starts at the loglet head.
	rec, err := w.ReadNextOpt(ctx, types.LsnInvalid)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, types.Lsn(100), rec.Offset)
	require.Equal(t, types.Data{Payload: types.Payload("a")}, rec.Record)

	rec, err = w.ReadNextOpt(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, types.Lsn(102), rec.Offset)

	tail, ok, err := w.FindTail(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Lsn(102), tail)
}

func TestWrapperTranslatesTrimGaps(t *testing.T) {
	ctx := context.Background()
	stub := &stubLoglet{}
	w := Wrap(50, stub)

	for i := 0; i < 5; i++ {
		_, err := w.Append(ctx, types.EncodePayload(nil))
		require.NoError(t, err)
	}
	require.NoError(t, w.Trim(ctx, 52))

	rec, err := w.ReadNextOpt(ctx, types.LsnInvalid)
	require.NoError(t, err)
	require.Equal(t, types.Lsn(50), rec.Offset)
	require.Equal(t, types.TrimGap{Until: 52}, rec.Record)

	tp, ok, err := w.GetTrimPoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Lsn(52), tp)

	// Trim below the base is a no-op.
	require.NoError(t, Wrap(100, stub).Trim(ctx, 60))
	require.Equal(t, Offset(3), stub.trim)
}

func TestOffsetWatchWakesCoveredWaiters(t *testing.T) {
	ctx := context.Background()
	w := NewOffsetWatch(0, 0)

	done := make(chan error, 1)
	go func() { done <- w.WaitFor(ctx, 3) }()

	w.AdvanceRelease(2)
	select {
	case <-done:
		t.Fatal("waiter woke below its threshold")
	default:
	}

	w.AdvanceRelease(3)
	require.NoError(t, <-done)

	// Trim advancement also wakes waiters.
	go func() { done <- w.WaitFor(ctx, 10) }()
	w.AdvanceTrim(10)
	require.NoError(t, <-done)

	// A satisfied threshold returns immediately.
	require.NoError(t, w.WaitFor(ctx, 1))
}
