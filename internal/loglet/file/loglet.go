// Package file implements the loglet contract over segmented append-only
// files: length-prefixed store files paired with memory-mapped position
// indexes, rolled at a configured size.
package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
)

// trimPointFile checkpoints the trim point next to the segment files.
const trimPointFile = "trim-point"

// Config tunes the file loglet provider.
type Config struct {
	// DataDir holds one subdirectory per loglet. Required.
	DataDir string

	// MaxStoreBytes and MaxIndexBytes bound a segment; hitting either
	// rolls a new one.
	MaxStoreBytes uint64
	MaxIndexBytes uint64

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.MaxStoreBytes == 0 {
		c.MaxStoreBytes = 1 << 20
	}
	if c.MaxIndexBytes == 0 {
		c.MaxIndexBytes = indexEntryWidth * 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Loglet is one segmented file log. The last segment is active; earlier
// ones are sealed and only read or trimmed away. The loglet's RWMutex is
// the only lock over its segments: appends hold it exclusively, reads
// share it, and segments rely on that.
type Loglet struct {
	dir string
	cfg Config
	log *zap.Logger

	mu            sync.RWMutex
	segments      []*segment
	activeSegment *segment
	trimPoint     uint64

	watch *loglet.OffsetWatch
}

func openLoglet(dir string, cfg Config, log *zap.Logger) (*Loglet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create loglet dir")
	}
	l := &Loglet{dir: dir, cfg: cfg, log: log}
	if err := l.setup(); err != nil {
		return nil, err
	}
	l.watch = loglet.NewOffsetWatch(
		loglet.Offset(l.activeSegment.nextOffset()-1),
		loglet.Offset(l.trimPoint),
	)
	return l, nil
}

// setup reopens the segments already on disk, or creates the first one
// for a fresh loglet, and reloads the trim checkpoint.
func (l *Loglet) setup() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	var baseOffsets []uint64
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), storeFileSuffix) {
			continue
		}
		offStr := strings.TrimSuffix(entry.Name(), storeFileSuffix)
		off, err := strconv.ParseUint(offStr, 10, 64)
		if err != nil {
			continue
		}
		baseOffsets = append(baseOffsets, off)
	}
	sort.Slice(baseOffsets, func(i, j int) bool {
		return baseOffsets[i] < baseOffsets[j]
	})
	for _, base := range baseOffsets {
		if err := l.newSegment(base); err != nil {
			return err
		}
	}
	if l.segments == nil {
		if err := l.newSegment(uint64(loglet.OffsetOldest)); err != nil {
			return err
		}
	}

	raw, err := os.ReadFile(filepath.Join(l.dir, trimPointFile))
	switch {
	case err == nil:
		tp, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse trim checkpoint")
		}
		l.trimPoint = tp
	case os.IsNotExist(err):
	default:
		return err
	}
	return nil
}

// newSegment appends a fresh segment and makes it active.
func (l *Loglet) newSegment(base uint64) error {
	s, err := newSegment(l.dir, base, l.cfg)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s
	return nil
}

func (l *Loglet) Append(ctx context.Context, payload []byte) (loglet.Offset, error) {
	return l.AppendBatch(ctx, [][]byte{payload})
}

// AppendBatch feeds the run into the active segment, rolling whenever
// the segment refuses more records, until every payload is stored.
func (l *Loglet) AppendBatch(_ context.Context, payloads [][]byte) (loglet.Offset, error) {
	l.mu.Lock()
	var first uint64
	remaining := payloads
	for len(remaining) > 0 {
		f, accepted, err := l.activeSegment.appendBatch(remaining)
		if err != nil {
			l.mu.Unlock()
			return loglet.OffsetInvalid, err
		}
		if accepted == 0 {
			if err := l.newSegment(l.activeSegment.nextOffset()); err != nil {
				l.mu.Unlock()
				return loglet.OffsetInvalid, err
			}
			continue
		}
		if len(remaining) == len(payloads) {
			first = f
		}
		remaining = remaining[accepted:]
	}
	release := l.activeSegment.nextOffset() - 1
	l.mu.Unlock()

	l.watch.AdvanceRelease(loglet.Offset(release))
	return loglet.Offset(first), nil
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

func (l *Loglet) ReadNextOpt(_ context.Context, after loglet.Offset) (*loglet.Record, error) {
	next := after + 1
	if trim := l.watch.Trim(); next <= trim {
		return &loglet.Record{Offset: next, TrimGap: trim}, nil
	}
	if next > l.watch.Release() {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	var found *segment
	for _, s := range l.segments {
		if s.baseOffset <= uint64(next) && uint64(next) < s.nextOffset() {
			found = s
			break
		}
	}
	if found == nil {
		return nil, nil
	}
	payload, err := found.read(uint64(next))
	if err != nil {
		return nil, errors.Wrapf(err, "read offset %d", next)
	}
	return &loglet.Record{Offset: next, Payload: payload}, nil
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

// Trim removes whole prefix segments at or below trimPoint, checkpoints
// the trim point, and leaves partially covered segments to the logical
// gap.
func (l *Loglet) Trim(_ context.Context, trimPoint loglet.Offset) error {
	if release := l.watch.Release(); trimPoint > release {
		trimPoint = release
	}
	if trimPoint <= l.watch.Trim() {
		return nil
	}

	l.mu.Lock()
	var retained []*segment
	for _, s := range l.segments {
		if s.nextOffset() <= uint64(trimPoint)+1 {
			if err := s.remove(); err != nil {
				l.mu.Unlock()
				return err
			}
			continue
		}
		retained = append(retained, s)
	}
	l.segments = retained
	if l.segments == nil {
		if err := l.newSegment(uint64(trimPoint) + 1); err != nil {
			l.mu.Unlock()
			return err
		}
	} else {
		l.activeSegment = l.segments[len(l.segments)-1]
	}
	l.trimPoint = uint64(trimPoint)
	err := natomic.WriteFile(
		filepath.Join(l.dir, trimPointFile),
		bytes.NewReader([]byte(strconv.FormatUint(l.trimPoint, 10))),
	)
	remaining := len(l.segments)
	l.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "checkpoint trim point")
	}
	l.log.Debug("trimmed file loglet",
		zap.Uint64("trim_point", uint64(trimPoint)),
		zap.Int("segments", remaining))

	l.watch.AdvanceTrim(trimPoint)
	return nil
}

// Close seals every segment. The loglet is unusable afterwards.
func (l *Loglet) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.close(); err != nil {
			return err
		}
	}
	return nil
}
