package local

import (
	"github.com/pkg/errors"

	"github.com/runefall/bifrost/internal/loglet"
)

// logStateTag versions the LogState value encoding for forward
// evolution; decoders reject tags they don't know.
const logStateTag byte = 0x01

const logStateLen = 17

// LogState is the durable per-log state: the highest trimmed offset and
// the highest offset known durable and readable. Both only move forward.
type LogState struct {
	TrimPoint      loglet.Offset
	ReleasePointer loglet.Offset
}

// encode produces the versioned binary form: tag, trim point, release
// pointer.
func (s LogState) encode() []byte {
	buf := make([]byte, logStateLen)
	buf[0] = logStateTag
	enc.PutUint64(buf[1:9], uint64(s.TrimPoint))
	enc.PutUint64(buf[9:], uint64(s.ReleasePointer))
	return buf
}

func decodeLogState(b []byte) (LogState, error) {
	if len(b) != logStateLen {
		return LogState{}, errors.Errorf("log state value has length %d, want %d", len(b), logStateLen)
	}
	if b[0] != logStateTag {
		return LogState{}, errors.Errorf("unknown log state tag %#x", b[0])
	}
	return LogState{
		TrimPoint:      loglet.Offset(enc.Uint64(b[1:9])),
		ReleasePointer: loglet.Offset(enc.Uint64(b[9:])),
	}, nil
}

// logStateUpdate is one merge operand: each field, when nonzero, advances
// the matching pointer to at least that offset. Updates compose
// associatively and commutatively, so folding them in any order yields
// the same state.
type logStateUpdate struct {
	releasePointer loglet.Offset
	trimPoint      loglet.Offset
}

// apply folds an update into the state. Pointers never move backwards.
func (s LogState) apply(u logStateUpdate) LogState {
	if u.releasePointer > s.ReleasePointer {
		s.ReleasePointer = u.releasePointer
	}
	if u.trimPoint > s.TrimPoint {
		s.TrimPoint = u.trimPoint
	}
	return s
}

// fold merges two updates, the partial-merge half of the operator.
func (u logStateUpdate) fold(o logStateUpdate) logStateUpdate {
	if o.releasePointer > u.releasePointer {
		u.releasePointer = o.releasePointer
	}
	if o.trimPoint > u.trimPoint {
		u.trimPoint = o.trimPoint
	}
	return u
}
