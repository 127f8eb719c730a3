// Package metadata holds the process-wide view of log chains: which
// segments make up each log and which loglet provider serves each segment.
// Chains are produced elsewhere; this package only hands out immutable
// snapshots of them.
package metadata

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/runefall/bifrost/internal/types"
)

// ProviderKind names a loglet provider implementation.
type ProviderKind string

const (
	ProviderMemory ProviderKind = "memory"
	ProviderLocal  ProviderKind = "local"
	ProviderFile   ProviderKind = "file"
)

// LogletParams is the provider-specific identity of one loglet. The value
// is opaque to everything but the provider that owns it.
type LogletParams string

// SegmentConfig tells the routing layer which provider serves a segment
// and how the provider finds the backing loglet.
type SegmentConfig struct {
	Kind   ProviderKind
	Params LogletParams
}

// Segment is one contiguous region of a log. BaseLsn is the global
// position of the segment's first slot.
type Segment struct {
	BaseLsn types.Lsn
	Config  SegmentConfig
}

// Chain is the ordered list of segments that form one logical log.
// Segments are sorted by strictly increasing BaseLsn; the last one is the
// writable tail, everything before it is sealed.
type Chain struct {
	segments []Segment
}

// NewChain builds a chain from segments ordered by BaseLsn.
func NewChain(segments ...Segment) Chain {
	return Chain{segments: segments}
}

// Tail returns the writable tail segment, the one with the greatest
// BaseLsn.
func (c Chain) Tail() (Segment, bool) {
	if len(c.segments) == 0 {
		return Segment{}, false
	}
	return c.segments[len(c.segments)-1], true
}

// FindSegmentForLsn returns the segment whose range brackets lsn: the
// last segment with BaseLsn <= lsn, or the head segment when lsn falls
// before the chain.
func (c Chain) FindSegmentForLsn(lsn types.Lsn) (Segment, bool) {
	if len(c.segments) == 0 {
		return Segment{}, false
	}
	found := c.segments[0]
	for _, s := range c.segments[1:] {
		if s.BaseLsn > lsn {
			break
		}
		found = s
	}
	return found, true
}

// Segments returns the chain's segments in order.
func (c Chain) Segments() []Segment {
	return c.segments
}

// LogsMetadata is an immutable snapshot of every known log chain.
type LogsMetadata struct {
	Version types.Version
	logs    map[types.LogID]Chain
}

// NewLogsMetadata builds a snapshot from explicit chains.
func NewLogsMetadata(version types.Version, logs map[types.LogID]Chain) *LogsMetadata {
	return &LogsMetadata{Version: version, logs: logs}
}

// NewSimpleLogs builds a snapshot of numLogs single-segment chains with
// ids 0..numLogs-1, each served by the given provider kind. The loglet
// params of log n is the decimal form of n.
func NewSimpleLogs(version types.Version, numLogs int, kind ProviderKind) *LogsMetadata {
	logs := make(map[types.LogID]Chain, numLogs)
	for i := 0; i < numLogs; i++ {
		id := types.LogID(i)
		logs[id] = NewChain(Segment{
			BaseLsn: types.LsnOldest,
			Config:  SegmentConfig{Kind: kind, Params: LogletParams(id.String())},
		})
	}
	return NewLogsMetadata(version, logs)
}

// Chain returns the chain of a log, if known.
func (m *LogsMetadata) Chain(id types.LogID) (Chain, bool) {
	c, ok := m.logs[id]
	return c, ok
}

// TailSegment returns the writable tail segment of a log.
func (m *LogsMetadata) TailSegment(id types.LogID) (Segment, bool) {
	c, ok := m.logs[id]
	if !ok {
		return Segment{}, false
	}
	return c.Tail()
}

// FindSegmentForLsn returns the segment of a log that brackets lsn.
func (m *LogsMetadata) FindSegmentForLsn(id types.LogID, lsn types.Lsn) (Segment, bool) {
	c, ok := m.logs[id]
	if !ok {
		return Segment{}, false
	}
	return c.FindSegmentForLsn(lsn)
}

// Kind selects which class of metadata to sync.
type Kind int

const (
	// KindLogs covers the log chains.
	KindLogs Kind = iota
)

// SyncFunc fetches a fresh snapshot of one metadata kind from wherever
// the authoritative copy lives.
type SyncFunc func(ctx context.Context, kind Kind) (*LogsMetadata, error)

// Metadata hands out consistent, copy-on-write snapshots of the logs
// metadata. Reads are lock-free; updates swap the whole snapshot.
type Metadata struct {
	current atomic.Pointer[LogsMetadata]
	syncer  SyncFunc
}

// NewMetadata seeds a Metadata with an initial snapshot. The syncer is
// optional; without one, Sync is a no-op.
func NewMetadata(initial *LogsMetadata, syncer SyncFunc) *Metadata {
	m := &Metadata{syncer: syncer}
	if initial != nil {
		m.current.Store(initial)
	}
	return m
}

// Logs returns the current snapshot, or nil when none was published yet.
func (m *Metadata) Logs() *LogsMetadata {
	return m.current.Load()
}

// LogsVersion returns the version of the current snapshot.
func (m *Metadata) LogsVersion() types.Version {
	logs := m.current.Load()
	if logs == nil {
		return types.VersionInvalid
	}
	return logs.Version
}

// Update publishes a newer snapshot. Older or equal versions are ignored
// so concurrent syncs cannot move the view backwards.
func (m *Metadata) Update(logs *LogsMetadata) {
	for {
		cur := m.current.Load()
		if cur != nil && cur.Version >= logs.Version {
			return
		}
		if m.current.CompareAndSwap(cur, logs) {
			return
		}
	}
}

// Sync fetches a fresh snapshot of the given kind and publishes it.
func (m *Metadata) Sync(ctx context.Context, kind Kind) error {
	if m.syncer == nil {
		return nil
	}
	logs, err := m.syncer(ctx, kind)
	if err != nil {
		return errors.Wrap(err, "sync logs metadata")
	}
	m.Update(logs)
	return nil
}
