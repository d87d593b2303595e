package fieldcrypt

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/common"
	"github.com/loanpilot/formgate/pkg/infra/backend"
)

// Provider hands out per-session encryptors, caching backend-issued key
// material for its rotation window. When the backend cannot issue a key the
// provider falls back to the placeholder key and logs the degradation; the
// fallback encryptor is never cached so the next call retries the backend.
type Provider struct {
	svc         backend.Service
	logger      *logrus.Logger
	fallbackKey []byte

	mu     sync.Mutex
	cached map[string]cachedKey
}

type cachedKey struct {
	encryptor *Encryptor
	expiresAt time.Time
}

func NewProvider(svc backend.Service, fallbackPlaceholder string, logger *logrus.Logger) *Provider {
	return &Provider{
		svc:         svc,
		logger:      logger,
		fallbackKey: DeriveFallbackKey(fallbackPlaceholder),
		cached:      make(map[string]cachedKey),
	}
}

func (p *Provider) ForSession(ctx context.Context, sessionToken string) (*Encryptor, error) {
	p.mu.Lock()
	if entry, ok := p.cached[sessionToken]; ok && time.Now().Before(entry.expiresAt) {
		p.mu.Unlock()
		return entry.encryptor, nil
	}
	p.mu.Unlock()

	key, err := p.svc.IssueEncryptionKey(ctx, sessionToken)
	if err != nil || len(key) != 32 {
		p.logger.WithError(err).Warn("backend key unavailable, sealing fields with placeholder key")
		return NewEncryptor(p.fallbackKey, true)
	}

	enc, err := NewEncryptor(key, false)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cached[sessionToken] = cachedKey{encryptor: enc, expiresAt: time.Now().Add(common.EncryptionKeyTTL)}
	p.mu.Unlock()

	return enc, nil
}

// Rotate drops the cached key for a session so the next submission fetches
// fresh material.
func (p *Provider) Rotate(sessionToken string) {
	p.mu.Lock()
	delete(p.cached, sessionToken)
	p.mu.Unlock()
}
