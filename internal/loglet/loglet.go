// Package loglet defines the contract between the log routing layer and
// the storage backends that serve individual segments. A loglet is one
// durable, ordered log; providers materialize loglets on demand and own
// their lifecycle.
package loglet

import (
	"context"

	"github.com/runefall/bifrost/internal/metadata"
)

// Offset addresses a record within a single loglet. The first record of
// every loglet sits at OffsetOldest; OffsetInvalid never holds a payload.
type Offset uint64

const (
	OffsetInvalid Offset = 0
	OffsetOldest  Offset = 1
)

// Record is the unit read out of a loglet, in loglet-offset space.
// Exactly one of Payload and TrimGap is meaningful: a nonzero TrimGap
// marks a gap covering everything up to and including that offset.
type Record struct {
	Offset  Offset
	Payload []byte
	TrimGap Offset
}

// IsTrimGap reports whether the record conveys a trim gap instead of data.
func (r Record) IsTrimGap() bool {
	return r.TrimGap != OffsetInvalid
}

// Loglet is one ordered, durable log segment implementation.
//
// Appends assign contiguous offsets and return only after the record is
// durable. Reads never return a record whose offset exceeds the durable
// tail. All blocking calls honor ctx cancellation.
type Loglet interface {
	// Append stores one record and returns its offset.
	Append(ctx context.Context, payload []byte) (Offset, error)

	// AppendBatch stores the records as one contiguous run and returns
	// the offset of the first. The run never interleaves with a
	// concurrent batch.
	AppendBatch(ctx context.Context, payloads [][]byte) (Offset, error)

	// ReadNext returns the earliest record with offset > after, waiting
	// for one to be committed if none exists yet.
	ReadNext(ctx context.Context, after Offset) (Record, error)

	// ReadNextOpt is the non-blocking variant; it returns nil when no
	// record past after is committed.
	ReadNextOpt(ctx context.Context, after Offset) (*Record, error)

	// FindTail returns the highest committed offset, or OffsetInvalid
	// when the loglet is empty or fully trimmed.
	FindTail(ctx context.Context) (Offset, error)

	// GetTrimPoint returns the highest trimmed offset, or OffsetInvalid
	// when nothing was trimmed.
	GetTrimPoint(ctx context.Context) (Offset, error)

	// Trim logically deletes everything up to and including trimPoint.
	// Trim points beyond the tail are clamped; Trim is idempotent.
	Trim(ctx context.Context, trimPoint Offset) error
}

// Provider materializes and caches loglets for one kind of backend.
type Provider interface {
	// GetLoglet returns the loglet identified by params, creating it on
	// first use. Concurrent calls for the same params observe exactly one
	// materialization; callers queue behind it rather than fail.
	GetLoglet(ctx context.Context, params metadata.LogletParams) (Loglet, error)

	// Shutdown drains the provider. In-flight operations finish; new
	// operations fail.
	Shutdown(ctx context.Context) error
}

// Factory creates a started provider. Factories run exactly once, before
// the routing layer becomes externally visible.
type Factory interface {
	Kind() metadata.ProviderKind
	Create(ctx context.Context) (Provider, error)
}
