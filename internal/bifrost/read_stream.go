package bifrost

import (
	"context"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/types"
)

// LogReadStream is a lazy sequence of records over (after, until],
// inclusive of until. Between records it re-resolves the segment for the
// next position, so it crosses segment boundaries as the chain advances.
// With until = LsnMax the stream tail-follows: it suspends at the tail
// and resumes on new appends. Next returns (nil, nil) once until is
// passed or the subsystem shuts down.
//
// A stream is not safe for concurrent use; create one per consumer.
type LogReadStream struct {
	inner *bifrostInner
	logID types.LogID
	next  types.Lsn
	until types.Lsn
}

func newLogReadStream(inner *bifrostInner, logID types.LogID, after, until types.Lsn) *LogReadStream {
	return &LogReadStream{
		inner: inner,
		logID: logID,
		next:  after.Next(),
		until: until,
	}
}

// Next yields the next record, waiting for the tail to grow when the
// stream has caught up. A nil record without an error terminates the
// stream.
func (s *LogReadStream) Next(ctx context.Context) (*types.LogRecord, error) {
	for {
		if s.next > s.until {
			return nil, nil
		}
		if s.inner.shuttingDown.Load() {
			return nil, nil
		}

		w, err := s.inner.findLogletForLsn(ctx, s.logID, s.next)
		if err != nil {
			return nil, err
		}
		rec, err := w.ReadNextOpt(ctx, s.next.Prev())
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Caught up with the tail segment. Block until a record is
			// committed, then re-resolve: the chain may have advanced
			// while we waited.
			if err := s.waitForRecord(ctx, w); err != nil {
				if s.inner.shuttingDown.Load() {
					return nil, nil
				}
				return nil, err
			}
			continue
		}

		switch r := rec.Record.(type) {
		case types.TrimGap:
			s.next = r.Until.Next()
		default:
			s.next = rec.Offset.Next()
		}
		return rec, nil
	}
}

// waitForRecord blocks on the loglet until a record past the cursor is
// readable, aborting early on global shutdown.
func (s *LogReadStream) waitForRecord(ctx context.Context, w loglet.Wrapper) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.inner.shutdownCh:
			cancel()
		case <-readCtx.Done():
		}
	}()
	// The record itself is discarded; the main loop re-reads through a
	// freshly resolved segment so boundary crossings are never missed.
	_, err := w.ReadNext(readCtx, s.next.Prev())
	return err
}
