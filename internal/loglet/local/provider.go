package local

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
)

// Factory opens the shared store and starts the writer task.
type Factory struct {
	cfg Config
}

// NewFactory returns a factory for the local provider kind.
func NewFactory(cfg Config) Factory {
	cfg.setDefaults()
	return Factory{cfg: cfg}
}

func (f Factory) Kind() metadata.ProviderKind {
	return metadata.ProviderLocal
}

func (f Factory) Create(context.Context) (loglet.Provider, error) {
	store, err := OpenLogStore(f.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "local loglet store")
	}
	watches := newWatchRegistry()
	writer := store.CreateWriter(f.cfg, watches)
	writer.Start()
	f.cfg.Logger.Debug("started local loglet provider", zap.String("data_dir", f.cfg.DataDir))
	return &Provider{
		store:   store,
		writer:  writer,
		watches: watches,
		log:     f.cfg.Logger,
		loglets: make(map[metadata.LogletParams]*logletEntry),
	}, nil
}

// Provider materializes local loglets lazily and caches them by params.
type Provider struct {
	store   *LogStore
	writer  *Writer
	watches *watchRegistry
	log     *zap.Logger

	mu      sync.Mutex
	loglets map[metadata.LogletParams]*logletEntry
}

// logletEntry serializes materialization per params: the once is the
// keyed mutex, so recovering one loglet's state never blocks GetLoglet
// calls for other logs.
type logletEntry struct {
	once   sync.Once
	loglet *Loglet
	err    error
}

// GetLoglet returns the loglet for params, creating it on first use.
// Params carry the log id in decimal form.
func (p *Provider) GetLoglet(_ context.Context, params metadata.LogletParams) (loglet.Loglet, error) {
	p.mu.Lock()
	e, ok := p.loglets[params]
	if !ok {
		e = &logletEntry{}
		p.loglets[params] = e
	}
	p.mu.Unlock()

	e.once.Do(func() {
		logID, err := strconv.ParseUint(string(params), 10, 64)
		if err != nil {
			e.err = errors.Wrapf(err, "loglet params %q", params)
			return
		}
		e.loglet, e.err = newLoglet(logID, p.store, p.writer, p.watches, p.log)
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.loglet, nil
}

// Shutdown drains the writer, then flushes and closes the store.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.log.Debug("shutting down local loglet provider")
	if err := p.writer.Stop(ctx); err != nil {
		return errors.Wrap(err, "stop log store writer")
	}
	p.store.Shutdown()
	return nil
}
