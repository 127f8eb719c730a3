package file

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
)

// errShutdown fences operations once the provider drained.
var errShutdown = errors.New("file loglet provider is shut down")

// Factory creates the file provider.
type Factory struct {
	cfg Config
}

// NewFactory returns a factory for the file provider kind.
func NewFactory(cfg Config) Factory {
	cfg.setDefaults()
	return Factory{cfg: cfg}
}

func (f Factory) Kind() metadata.ProviderKind {
	return metadata.ProviderFile
}

func (f Factory) Create(context.Context) (loglet.Provider, error) {
	return &Provider{
		cfg:     f.cfg,
		log:     f.cfg.Logger,
		loglets: make(map[metadata.LogletParams]*Loglet),
	}, nil
}

// Provider materializes file loglets lazily, one directory per params.
type Provider struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	loglets  map[metadata.LogletParams]*Loglet
	shutdown bool
}

func (p *Provider) GetLoglet(_ context.Context, params metadata.LogletParams) (loglet.Loglet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, errShutdown
	}
	if l, ok := p.loglets[params]; ok {
		return l, nil
	}
	l, err := openLoglet(filepath.Join(p.cfg.DataDir, string(params)), p.cfg, p.log)
	if err != nil {
		return nil, errors.Wrapf(err, "open file loglet %q", params)
	}
	p.loglets[params] = l
	return l, nil
}

// Shutdown seals every open loglet.
func (p *Provider) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	p.log.Debug("shutting down file loglet provider")
	for params, l := range p.loglets {
		if err := l.Close(); err != nil {
			return errors.Wrapf(err, "close file loglet %q", params)
		}
	}
	return nil
}
