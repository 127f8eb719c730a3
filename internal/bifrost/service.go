package bifrost

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runefall/bifrost/internal/loglet"
	"github.com/runefall/bifrost/internal/metadata"
)

// Service wires the inner control block to its loglet providers and
// supervises their lifecycle. Handles obtained before Start become usable
// once Start returns; operations issued earlier panic by design.
type Service struct {
	inner     *bifrostInner
	factories []loglet.Factory
	watchdog  *watchdog
	log       *zap.Logger
	started   atomic.Bool
}

// NewService builds a service over the given metadata and provider
// factories. A nil logger disables logging.
func NewService(md *metadata.Metadata, log *zap.Logger, factories ...loglet.Factory) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	inner := newInner(md, log)
	return &Service{
		inner:     inner,
		factories: factories,
		watchdog:  newWatchdog(inner, log),
		log:       log,
	}
}

// Handle returns a Bifrost handle sharing this service's control block.
// The handle is cheap to copy and may be created before Start.
func (s *Service) Handle() Bifrost {
	return Bifrost{inner: s.inner}
}

// Start creates every provider (startup may be slow) and publishes the
// registry, making handles usable. It must be called exactly once.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		panic("bifrost service started twice")
	}

	registry := make(providerRegistry, len(s.factories))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, factory := range s.factories {
		factory := factory
		g.Go(func() error {
			provider, err := factory.Create(ctx)
			if err != nil {
				return errors.Wrapf(err, "start loglet provider %q", factory.Kind())
			}
			mu.Lock()
			registry[factory.Kind()] = provider
			s.watchdog.register(factory.Kind(), provider)
			mu.Unlock()
			s.log.Debug("started loglet provider", zap.String("kind", string(factory.Kind())))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.inner.providers.Store(&registry)
	return nil
}

// Shutdown flips the sticky shutdown flag and drains every provider.
// Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.watchdog.shutdown(ctx)
}
