package trust

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/config"
	"github.com/loanpilot/formgate/pkg/infra/backend"
)

// Registry owns one engine per active identity. Engines are created lazily
// on first sight of an identity and torn down on sign-out or backend-forced
// invalidation, so no verification timer ever outlives its session.
type Registry struct {
	svc    backend.Service
	logger *logrus.Logger
	cfg    config.TrustConfig

	mu      sync.Mutex
	ctx     context.Context
	engines map[string]*Engine
}

func NewRegistry(svc backend.Service, logger *logrus.Logger, cfg config.TrustConfig) *Registry {
	return &Registry{
		svc:     svc,
		logger:  logger,
		cfg:     cfg,
		ctx:     context.Background(),
		engines: make(map[string]*Engine),
	}
}

// Start sets the base context engines inherit. Cancelling it stops every
// engine's background loops.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
}

// EngineFor returns the engine for the identity, creating and starting one
// if none exists yet.
func (r *Registry) EngineFor(identity, deviceFingerprint string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if engine, ok := r.engines[identity]; ok {
		return engine
	}

	engine := NewEngine(r.svc, r.logger, identity, deviceFingerprint, r.cfg, &EngineOpts{
		OnForcedSignOut: func(reason string) {
			r.logger.WithFields(logrus.Fields{
				"identity": identity,
				"reason":   reason,
			}).Warn("forcing sign-out")
			// Detach asynchronously: the callback may run on the engine's own
			// verification goroutine, which Stop waits for.
			go r.SignOut(identity)
		},
	})
	engine.Start(r.ctx)
	r.engines[identity] = engine
	return engine
}

// Lookup returns the engine without creating one.
func (r *Registry) Lookup(identity string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	engine, ok := r.engines[identity]
	return engine, ok
}

// SignOut stops and removes the identity's engine.
func (r *Registry) SignOut(identity string) {
	r.mu.Lock()
	engine, ok := r.engines[identity]
	delete(r.engines, identity)
	r.mu.Unlock()
	if ok {
		engine.Stop()
	}
}

// StopAll tears down every engine; used on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, engine := range r.engines {
		engines = append(engines, engine)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	for _, engine := range engines {
		engine.Stop()
	}
}
