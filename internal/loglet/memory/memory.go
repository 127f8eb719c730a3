// Package memory implements the loglet contract with in-process state.
// It backs tests and ephemeral logs, and can simulate slow loglet
// materialization to exercise lazy creation under concurrent appends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
)

// errShutdown fences operations once the provider drained.
var errShutdown = errors.New("memory loglet provider is shut down")

// Config tunes the provider. InitDelay, when nonzero, delays every loglet
// materialization; appends issued meanwhile queue behind it instead of
// failing.
type Config struct {
	InitDelay time.Duration
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Factory creates the memory provider.
type Factory struct {
	cfg Config
}

// NewFactory returns a factory for the memory provider kind.
func NewFactory(cfg Config) Factory {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return Factory{cfg: cfg}
}

func (f Factory) Kind() metadata.ProviderKind {
	return metadata.ProviderMemory
}

func (f Factory) Create(context.Context) (loglet.Provider, error) {
	return &Provider{
		cfg:     f.cfg,
		log:     f.cfg.Logger,
		entries: make(map[metadata.LogletParams]*entry),
	}, nil
}

// Provider materializes memory loglets lazily, one per params value.
type Provider struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	entries  map[metadata.LogletParams]*entry
	shutdown bool
}

// entry serializes materialization per params: the once is the keyed
// mutex, so a slow init blocks only callers of the same loglet.
type entry struct {
	once   sync.Once
	loglet *Loglet
	err    error
}

// GetLoglet returns the loglet for params, materializing it on first use.
func (p *Provider) GetLoglet(ctx context.Context, params metadata.LogletParams) (loglet.Loglet, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, errShutdown
	}
	e, ok := p.entries[params]
	if !ok {
		e = &entry{}
		p.entries[params] = e
	}
	p.mu.Unlock()

	e.once.Do(func() {
		if d := p.cfg.InitDelay; d > 0 {
			select {
			case <-p.cfg.Clock.After(d):
			case <-ctx.Done():
				e.err = ctx.Err()
				return
			}
		}
		e.loglet = newLoglet()
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.loglet, nil
}

// Shutdown drains the provider. Memory loglets have nothing to flush.
func (p *Provider) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	p.log.Debug("shutting down in-memory loglet provider")
	return nil
}

// Loglet holds one in-memory log. Records live in a slice indexed by
// offset minus the first retained offset; trimmed prefixes are dropped.
type Loglet struct {
	mu sync.Mutex
	// first is the offset of records[0].
	first   loglet.Offset
	records [][]byte
	tail    loglet.Offset
	trim    loglet.Offset

	watch *loglet.OffsetWatch
}

func newLoglet() *Loglet {
	return &Loglet{
		first: loglet.OffsetOldest,
		watch: loglet.NewOffsetWatch(0, 0),
	}
}

func (l *Loglet) Append(ctx context.Context, payload []byte) (loglet.Offset, error) {
	return l.AppendBatch(ctx, [][]byte{payload})
}

func (l *Loglet) AppendBatch(_ context.Context, payloads [][]byte) (loglet.Offset, error) {
	l.mu.Lock()
	first := l.tail + 1
	l.records = append(l.records, payloads...)
	l.tail += loglet.Offset(len(payloads))
	release := l.tail
	l.mu.Unlock()

	l.watch.AdvanceRelease(release)
	return first, nil
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
	l.mu.Lock()
	defer l.mu.Unlock()

	next := after + 1
	if next <= l.trim {
		return &loglet.Record{Offset: next, TrimGap: l.trim}, nil
	}
	if next > l.tail {
		return nil, nil
	}
	payload := l.records[next-l.first]
	return &loglet.Record{Offset: next, Payload: payload}, nil
}

func (l *Loglet) FindTail(context.Context) (loglet.Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tail > l.trim {
		return l.tail, nil
	}
	return loglet.OffsetInvalid, nil
}

func (l *Loglet) GetTrimPoint(context.Context) (loglet.Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trim, nil
}

func (l *Loglet) Trim(_ context.Context, trimPoint loglet.Offset) error {
	l.mu.Lock()
	if trimPoint > l.tail {
		trimPoint = l.tail
	}
	if trimPoint <= l.trim {
		l.mu.Unlock()
		return nil
	}
	l.records = l.records[trimPoint+1-l.first:]
	l.first = trimPoint + 1
	l.trim = trimPoint
	l.mu.Unlock()

	l.watch.AdvanceTrim(trimPoint)
	return nil
}
