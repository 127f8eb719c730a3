package bifrost

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
)

// watchdog supervises started providers and runs the shutdown sequence:
// flip the sticky shutdown flag first, then drain providers in reverse
// registration order. Providers start concurrently and register as each
// finishes starting, so that order follows start completion.
type watchdog struct {
	inner *bifrostInner
	log   *zap.Logger

	mu        sync.Mutex
	providers []watchedProvider
	once      sync.Once
	err       error
}

type watchedProvider struct {
	kind     metadata.ProviderKind
	provider loglet.Provider
}

func newWatchdog(inner *bifrostInner, log *zap.Logger) *watchdog {
	return &watchdog{inner: inner, log: log}
}

func (w *watchdog) register(kind metadata.ProviderKind, provider loglet.Provider) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.providers = append(w.providers, watchedProvider{kind: kind, provider: provider})
}

func (w *watchdog) shutdown(ctx context.Context) error {
	w.once.Do(func() {
		w.inner.setShutdown()

		w.mu.Lock()
		providers := make([]watchedProvider, len(w.providers))
		copy(providers, w.providers)
		w.mu.Unlock()

		for n := len(providers) - 1; n >= 0; n-- {
			p := providers[n]
			w.log.Debug("shutting down loglet provider", zap.String("kind", string(p.kind)))
			if err := p.provider.Shutdown(ctx); err != nil {
				w.log.Warn("loglet provider shutdown failed",
					zap.String("kind", string(p.kind)), zap.Error(err))
				if w.err == nil {
					w.err = err
				}
			}
		}
		w.log.Info("bifrost watchdog shutdown complete")
	})
	return w.err
}
