package loglet

import (
	"context"

	"github.com/pkg/errors"

	"github.com/runefall/bifrost/internal/types"
)

// Wrapper binds a loglet to its position in a log chain and translates
// between global LSNs and loglet offsets: lsn = base + offset - 1.
type Wrapper struct {
	Base   types.Lsn
	loglet Loglet
}

// Wrap places a loglet at base within its chain.
func Wrap(base types.Lsn, l Loglet) Wrapper {
	return Wrapper{Base: base, loglet: l}
}

func (w Wrapper) offsetToLsn(off Offset) types.Lsn {
	return w.Base + types.Lsn(off) - 1
}

// lsnToOffset maps a global position into this loglet. Positions before
// the base map to OffsetInvalid.
func (w Wrapper) lsnToOffset(lsn types.Lsn) Offset {
	if lsn < w.Base {
		return OffsetInvalid
	}
	return Offset(lsn-w.Base) + 1
}

// Append stores one encoded payload and returns its global position.
func (w Wrapper) Append(ctx context.Context, payload []byte) (types.Lsn, error) {
	off, err := w.loglet.Append(ctx, payload)
	if err != nil {
		return types.LsnInvalid, err
	}
	return w.offsetToLsn(off), nil
}

// AppendBatch stores the payloads as one contiguous run and returns the
// global position of the first.
func (w Wrapper) AppendBatch(ctx context.Context, payloads [][]byte) (types.Lsn, error) {
	off, err := w.loglet.AppendBatch(ctx, payloads)
	if err != nil {
		return types.LsnInvalid, err
	}
	return w.offsetToLsn(off), nil
}

// ReadNext returns the earliest record past after, waiting for one if
// necessary.
func (w Wrapper) ReadNext(ctx context.Context, after types.Lsn) (types.LogRecord, error) {
	rec, err := w.loglet.ReadNext(ctx, w.lsnToOffset(after))
	if err != nil {
		return types.LogRecord{}, err
	}
	return w.translate(rec)
}

// ReadNextOpt returns the earliest record past after, or nil when none is
// committed yet.
func (w Wrapper) ReadNextOpt(ctx context.Context, after types.Lsn) (*types.LogRecord, error) {
	rec, err := w.loglet.ReadNextOpt(ctx, w.lsnToOffset(after))
	if err != nil || rec == nil {
		return nil, err
	}
	out, err := w.translate(*rec)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindTail returns the global position of the last readable record, or
// false when the loglet is empty or fully trimmed.
func (w Wrapper) FindTail(ctx context.Context) (types.Lsn, bool, error) {
	off, err := w.loglet.FindTail(ctx)
	if err != nil || off == OffsetInvalid {
		return types.LsnInvalid, false, err
	}
	return w.offsetToLsn(off), true, nil
}

// GetTrimPoint returns the global trim point, or false when nothing was
// trimmed.
func (w Wrapper) GetTrimPoint(ctx context.Context) (types.Lsn, bool, error) {
	off, err := w.loglet.GetTrimPoint(ctx)
	if err != nil || off == OffsetInvalid {
		return types.LsnInvalid, false, err
	}
	return w.offsetToLsn(off), true, nil
}

// Trim logically deletes everything up to and including trimPoint.
// Positions before the base are a no-op.
func (w Wrapper) Trim(ctx context.Context, trimPoint types.Lsn) error {
	off := w.lsnToOffset(trimPoint)
	if off == OffsetInvalid {
		return nil
	}
	return w.loglet.Trim(ctx, off)
}

// translate maps a loglet record into LSN space and unwraps the payload
// envelope. Stored bytes always come from EncodePayload, so a decode
// failure here is corruption or a programming bug, never user input.
func (w Wrapper) translate(rec Record) (types.LogRecord, error) {
	out := types.LogRecord{Offset: w.offsetToLsn(rec.Offset)}
	if rec.IsTrimGap() {
		out.Record = types.TrimGap{Until: w.offsetToLsn(rec.TrimGap)}
		return out, nil
	}
	payload, err := types.DecodePayload(rec.Payload)
	if err != nil {
		return types.LogRecord{}, errors.Wrapf(err, "decode record at lsn %s", out.Offset)
	}
	out.Record = types.Data{Payload: payload}
	return out, nil
}
