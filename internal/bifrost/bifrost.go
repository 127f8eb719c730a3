// Package bifrost is the durable interconnect of the runtime: an
// append-only, segmented log addressed by log id. The handle routes every
// operation through the logs metadata onto the loglet serving the
// relevant segment.
package bifrost

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
	"github.com/runefall/bifrost/internal/types"
)

// FindTailAttributes refines what "tail" means to a FindTail caller.
// Reserved for future consistency levels; no fields are read today.
type FindTailAttributes struct{}

// Bifrost is the client handle. It is cheap to copy and safe for
// concurrent use; all copies share one inner control block.
type Bifrost struct {
	inner *bifrostInner
}

// Append appends a single payload to a log and returns the assigned LSN.
// The log id must exist in the current metadata, otherwise the operation
// fails with UnknownLogIDError.
func (b Bifrost) Append(ctx context.Context, logID types.LogID, payload types.Payload) (types.Lsn, error) {
	return b.inner.append(ctx, logID, payload)
}

// AppendBatch appends a batch of payloads as one contiguous run and
// returns the LSN of the first record. It returns only after every record
// in the batch is durable.
func (b Bifrost) AppendBatch(ctx context.Context, logID types.LogID, payloads []types.Payload) (types.Lsn, error) {
	return b.inner.appendBatch(ctx, logID, payloads)
}

// ReadNextSingle returns the earliest record with an LSN strictly greater
// than after, waiting for one to be committed if none exists yet.
func (b Bifrost) ReadNextSingle(ctx context.Context, logID types.LogID, after types.Lsn) (types.LogRecord, error) {
	return b.inner.readNextSingle(ctx, logID, after)
}

// ReadNextSingleOpt is the non-blocking variant of ReadNextSingle; it
// returns nil when no record past after is committed yet.
func (b Bifrost) ReadNextSingleOpt(ctx context.Context, logID types.LogID, after types.Lsn) (*types.LogRecord, error) {
	return b.inner.readNextSingleOpt(ctx, logID, after)
}

// CreateReader builds a lazy record stream over (after, until]. Pass
// LsnMax as until for a tail-following stream and LsnInvalid as after to
// read from the head of the log.
func (b Bifrost) CreateReader(logID types.LogID, after, until types.Lsn) (*LogReadStream, error) {
	if err := b.inner.failIfShuttingDown(); err != nil {
		return nil, err
	}
	return newLogReadStream(b.inner, logID, after, until), nil
}

// FindTail returns the current readable tail of a log, or false when the
// log is empty or fully trimmed.
func (b Bifrost) FindTail(ctx context.Context, logID types.LogID, _ FindTailAttributes) (types.Lsn, bool, error) {
	_, tail, ok, err := b.inner.findTail(ctx, logID)
	return tail, ok, err
}

// GetTrimPoint returns the highest trimmed LSN of a log, or false when
// nothing was trimmed.
func (b Bifrost) GetTrimPoint(ctx context.Context, logID types.LogID) (types.Lsn, bool, error) {
	return b.inner.getTrimPoint(ctx, logID)
}

// Trim trims a log to the minimum of trimPoint and the current tail.
func (b Bifrost) Trim(ctx context.Context, logID types.LogID, trimPoint types.Lsn) error {
	return b.inner.trim(ctx, logID, trimPoint)
}

// Version returns the version of the currently observed logs metadata.
func (b Bifrost) Version() types.Version {
	return b.inner.metadata.LogsVersion()
}

// SyncMetadata fetches the latest logs metadata before returning.
func (b Bifrost) SyncMetadata(ctx context.Context) error {
	return b.inner.syncMetadata(ctx)
}

// ReadAll collects the whole readable range of a log. Intended for tests.
func (b Bifrost) ReadAll(ctx context.Context, logID types.LogID) ([]types.LogRecord, error) {
	if err := b.inner.failIfShuttingDown(); err != nil {
		return nil, err
	}
	tail, ok, err := b.FindTail(ctx, logID, FindTailAttributes{})
	if err != nil || !ok {
		return nil, err
	}
	reader, err := b.CreateReader(logID, types.LsnInvalid, tail)
	if err != nil {
		return nil, err
	}
	var records []types.LogRecord
	for {
		rec, err := reader.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return records, nil
		}
		records = append(records, *rec)
	}
}

// bifrostInner is the shared control block behind every handle copy.
// Locks inside are held for very short critical sections and never across
// a blocking call.
type bifrostInner struct {
	metadata *metadata.Metadata
	log      *zap.Logger

	// providers is published exactly once, by the service after every
	// factory has run. Reads are lock-free.
	providers    atomic.Pointer[providerRegistry]
	shuttingDown atomic.Bool
	shutdownCh   chan struct{}
}

type providerRegistry map[metadata.ProviderKind]loglet.Provider

func newInner(md *metadata.Metadata, log *zap.Logger) *bifrostInner {
	if log == nil {
		log = zap.NewNop()
	}
	return &bifrostInner{metadata: md, log: log, shutdownCh: make(chan struct{})}
}

// setShutdown marks the subsystem as draining, exactly once. New
// operations are rejected; operations already past the check run to
// completion.
func (i *bifrostInner) setShutdown() {
	if i.shuttingDown.CompareAndSwap(false, true) {
		close(i.shutdownCh)
	}
}

func (i *bifrostInner) failIfShuttingDown() error {
	if i.shuttingDown.Load() {
		return ErrShutdown
	}
	return nil
}

func (i *bifrostInner) append(ctx context.Context, logID types.LogID, payload types.Payload) (types.Lsn, error) {
	if err := i.failIfShuttingDown(); err != nil {
		return types.LsnInvalid, err
	}
	w, err := i.writeableLoglet(ctx, logID)
	if err != nil {
		return types.LsnInvalid, err
	}
	return w.Append(ctx, types.EncodePayload(payload))
}

func (i *bifrostInner) appendBatch(ctx context.Context, logID types.LogID, payloads []types.Payload) (types.Lsn, error) {
	if err := i.failIfShuttingDown(); err != nil {
		return types.LsnInvalid, err
	}
	w, err := i.writeableLoglet(ctx, logID)
	if err != nil {
		return types.LsnInvalid, err
	}
	raw := make([][]byte, len(payloads))
	for n, p := range payloads {
		raw[n] = types.EncodePayload(p)
	}
	return w.AppendBatch(ctx, raw)
}

func (i *bifrostInner) readNextSingle(ctx context.Context, logID types.LogID, after types.Lsn) (types.LogRecord, error) {
	if err := i.failIfShuttingDown(); err != nil {
		return types.LogRecord{}, err
	}
	w, err := i.findLogletForLsn(ctx, logID, after.Next())
	if err != nil {
		return types.LogRecord{}, err
	}
	return w.ReadNext(ctx, after)
}

func (i *bifrostInner) readNextSingleOpt(ctx context.Context, logID types.LogID, after types.Lsn) (*types.LogRecord, error) {
	if err := i.failIfShuttingDown(); err != nil {
		return nil, err
	}
	w, err := i.findLogletForLsn(ctx, logID, after.Next())
	if err != nil {
		return nil, err
	}
	return w.ReadNextOpt(ctx, after)
}

func (i *bifrostInner) findTail(ctx context.Context, logID types.LogID) (loglet.Wrapper, types.Lsn, bool, error) {
	if err := i.failIfShuttingDown(); err != nil {
		return loglet.Wrapper{}, types.LsnInvalid, false, err
	}
	w, err := i.writeableLoglet(ctx, logID)
	if err != nil {
		return loglet.Wrapper{}, types.LsnInvalid, false, err
	}
	tail, ok, err := w.FindTail(ctx)
	return w, tail, ok, err
}

// getTrimPoint walks the chain from the head and keeps the trim point of
// the last segment that has one. The walk stops at the first segment
// without a trim point; trim points of later segments are not reported.
func (i *bifrostInner) getTrimPoint(ctx context.Context, logID types.LogID) (types.Lsn, bool, error) {
	if err := i.failIfShuttingDown(); err != nil {
		return types.LsnInvalid, false, err
	}
	chain, err := i.chain(logID)
	if err != nil {
		return types.LsnInvalid, false, err
	}

	trimPoint := types.LsnInvalid
	found := false
	for _, segment := range chain.Segments() {
		w, err := i.getLoglet(ctx, segment)
		if err != nil {
			return types.LsnInvalid, false, err
		}
		tp, ok, err := w.GetTrimPoint(ctx)
		if err != nil {
			return types.LsnInvalid, false, err
		}
		if !ok {
			break
		}
		trimPoint, found = tp, true
	}
	return trimPoint, found, nil
}

// trim walks the chain in order, trimming every segment that starts at or
// before trimPoint to the minimum of its own tail and trimPoint. Segments
// past trimPoint are untouched.
func (i *bifrostInner) trim(ctx context.Context, logID types.LogID, trimPoint types.Lsn) error {
	if err := i.failIfShuttingDown(); err != nil {
		return err
	}
	chain, err := i.chain(logID)
	if err != nil {
		return err
	}

	for _, segment := range chain.Segments() {
		if segment.BaseLsn > trimPoint {
			break
		}
		w, err := i.getLoglet(ctx, segment)
		if err != nil {
			return err
		}
		tail, ok, err := w.FindTail(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		local := trimPoint
		if tail < local {
			local = tail
		}
		if err := w.Trim(ctx, local); err != nil {
			return err
		}
	}
	return nil
}

// syncMetadata fetches new metadata from the metadata store immediately.
func (i *bifrostInner) syncMetadata(ctx context.Context) error {
	if err := i.failIfShuttingDown(); err != nil {
		return err
	}
	return i.metadata.Sync(ctx, metadata.KindLogs)
}

// providerFor resolves the provider of a kind. The registry must have
// been published; asking earlier is a programming error, not a runtime
// one.
func (i *bifrostInner) providerFor(kind metadata.ProviderKind) (loglet.Provider, error) {
	registry := i.providers.Load()
	if registry == nil {
		panic("bifrost service must be started before using the handle")
	}
	provider, ok := (*registry)[kind]
	if !ok {
		return nil, &DisabledProviderError{Kind: kind}
	}
	return provider, nil
}

func (i *bifrostInner) chain(logID types.LogID) (metadata.Chain, error) {
	logs := i.metadata.Logs()
	if logs == nil {
		return metadata.Chain{}, &UnknownLogIDError{LogID: logID}
	}
	chain, ok := logs.Chain(logID)
	if !ok {
		return metadata.Chain{}, &UnknownLogIDError{LogID: logID}
	}
	return chain, nil
}

func (i *bifrostInner) writeableLoglet(ctx context.Context, logID types.LogID) (loglet.Wrapper, error) {
	logs := i.metadata.Logs()
	if logs == nil {
		return loglet.Wrapper{}, &UnknownLogIDError{LogID: logID}
	}
	segment, ok := logs.TailSegment(logID)
	if !ok {
		return loglet.Wrapper{}, &UnknownLogIDError{LogID: logID}
	}
	return i.getLoglet(ctx, segment)
}

func (i *bifrostInner) findLogletForLsn(ctx context.Context, logID types.LogID, lsn types.Lsn) (loglet.Wrapper, error) {
	logs := i.metadata.Logs()
	if logs == nil {
		return loglet.Wrapper{}, &UnknownLogIDError{LogID: logID}
	}
	segment, ok := logs.FindSegmentForLsn(logID, lsn)
	if !ok {
		return loglet.Wrapper{}, &UnknownLogIDError{LogID: logID}
	}
	return i.getLoglet(ctx, segment)
}

func (i *bifrostInner) getLoglet(ctx context.Context, segment metadata.Segment) (loglet.Wrapper, error) {
	provider, err := i.providerFor(segment.Config.Kind)
	if err != nil {
		return loglet.Wrapper{}, err
	}
	l, err := provider.GetLoglet(ctx, segment.Config.Params)
	if err != nil {
		return loglet.Wrapper{}, err
	}
	return loglet.Wrap(segment.BaseLsn, l), nil
}
