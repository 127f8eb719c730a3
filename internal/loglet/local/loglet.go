package local

import (
	"bytes"
	"context"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
)

// Loglet serves one log out of the shared store. Offsets are reserved
// locally with an atomic counter; durability and ordering come from the
// single writer task.
type Loglet struct {
	logID  uint64
	store  *LogStore
	writer *Writer
	watch  *loglet.OffsetWatch
	log    *zap.Logger

	// nextOffset is the next offset to hand out. Seeded from the
	// recovered release pointer; no data scan happens on open.
	nextOffset atomic.Uint64
}

func newLoglet(logID uint64, store *LogStore, writer *Writer, watches *watchRegistry, log *zap.Logger) (*Loglet, error) {
	state, _, err := store.GetLogState(logID)
	if err != nil {
		return nil, err
	}
	l := &Loglet{
		logID:  logID,
		store:  store,
		writer: writer,
		watch:  watches.seed(logID, state),
		log:    log,
	}
	l.nextOffset.Store(uint64(state.ReleasePointer) + 1)
	return l, nil
}

func (l *Loglet) Append(ctx context.Context, payload []byte) (loglet.Offset, error) {
	return l.AppendBatch(ctx, [][]byte{payload})
}

// AppendBatch reserves a contiguous offset range, hands the run to the
// writer, and returns the first offset only after the durability ack.
func (l *Loglet) AppendBatch(ctx context.Context, payloads [][]byte) (loglet.Offset, error) {
	n := uint64(len(payloads))
	first := loglet.Offset(l.nextOffset.Add(n) - n)

	ack, err := l.writer.EnqueueAppend(ctx, l.logID, first, payloads)
	if err != nil {
		return loglet.OffsetInvalid, err
	}
	select {
	case err := <-ack:
		if err != nil {
			return loglet.OffsetInvalid, err
		}
		return first, nil
	case <-ctx.Done():
		// The batch may still commit; the reservation stands either way
		// so the offset sequence stays contiguous.
		return loglet.OffsetInvalid, ctx.Err()
	}
}

func (l *Loglet) ReadNext(ctx context.Context, after loglet.Offset) (loglet.Record, error) {
	for {
		rec, err := l.ReadNextOpt(ctx, after)
		if err != nil {
			return loglet.Record{}, err
		}
		if rec != nil {
			return *rec, nil
		}
		if err := l.watch.WaitFor(ctx, after+1); err != nil {
			return loglet.Record{}, err
		}
	}
}

// ReadNextOpt seeks the data bucket at (logID, after+1). Records are
// visible only up to and including the release pointer; positions at or
// below the trim point yield a gap.
func (l *Loglet) ReadNextOpt(_ context.Context, after loglet.Offset) (*loglet.Record, error) {
	next := after + 1
	if trim := l.watch.Trim(); next <= trim {
		return &loglet.Record{Offset: next, TrimGap: trim}, nil
	}
	release := l.watch.Release()
	if next > release {
		return nil, nil
	}

	var rec *loglet.Record
	err := l.store.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dataBucket)).Cursor()
		k, v := c.Seek(dataKey(l.logID, next))
		if k == nil || !bytes.HasPrefix(k, dataKeyPrefix(l.logID)) {
			return nil
		}
		_, off, ok := splitDataKey(k)
		if !ok || off > release {
			return nil
		}
		rec = &loglet.Record{Offset: off, Payload: append([]byte(nil), v...)}
		return nil
	})
	return rec, err
}

func (l *Loglet) FindTail(context.Context) (loglet.Offset, error) {
	release := l.watch.Release()
	if release > l.watch.Trim() {
		return release, nil
	}
	return loglet.OffsetInvalid, nil
}

func (l *Loglet) GetTrimPoint(context.Context) (loglet.Offset, error) {
	return l.watch.Trim(), nil
}

// Trim advances the trim point to min(trimPoint, release pointer). The
// actual deletion runs in the writer so metadata stays single-writer.
func (l *Loglet) Trim(ctx context.Context, trimPoint loglet.Offset) error {
	if release := l.watch.Release(); trimPoint > release {
		trimPoint = release
	}
	if trimPoint <= l.watch.Trim() {
		return nil
	}
	ack, err := l.writer.EnqueueTrim(ctx, l.logID, trimPoint)
	if err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
