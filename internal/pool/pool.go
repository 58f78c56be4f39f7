// Package pool caches verified transport sessions per provider identity.
//
// Sessions are keyed by (host, port, account), built lazily on first
// Acquire, verified once with a synchronous handshake and evicted when they
// report themselves broken. The pool is constructed once per process and
// injected into the dispatch loop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

var (
	ErrClosed               = errors.New("session pool closed")
	ErrUnsupportedTransport = errors.New("no session factory for transport")
)

// Config holds the defaults applied when an identity leaves a bound unset.
type Config struct {
	MaxConnections int
	MaxMessages    int
	VerifyTimeout  time.Duration
}

// Pool is the process-wide session registry.
type Pool struct {
	cfg       Config
	mu        sync.Mutex
	factories map[domain.TransportKind]sending.SessionFactory
	entries   map[domain.SessionKey]*entry
	closed    bool
	group     singleflight.Group
}

type entry struct {
	session sending.Session
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		factories: make(map[domain.TransportKind]sending.SessionFactory),
		entries:   make(map[domain.SessionKey]*entry),
	}
}

// Register installs the factory used for identities of kind.
func (p *Pool) Register(kind domain.TransportKind, f sending.SessionFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[kind] = f
}

// Acquire returns the cached session for the identity or builds and verifies
// a new one. A session that fails verification is closed and not cached.
func (p *Pool) Acquire(ctx context.Context, id *domain.ProviderIdentity) (sending.Session, error) {
	key := id.SessionKey()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return e.session, nil
	}
	factory, ok := p.factories[id.Kind]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, id.Kind)
	}

	v, err, _ := p.group.Do(key.String(), func() (interface{}, error) {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			p.mu.Unlock()
			return e.session, nil
		}
		p.mu.Unlock()
		return p.build(ctx, key, id, factory)
	})
	if err != nil {
		return nil, err
	}
	return v.(sending.Session), nil
}

func (p *Pool) build(ctx context.Context, key domain.SessionKey, id *domain.ProviderIdentity, factory sending.SessionFactory) (sending.Session, error) {
	e := &entry{}
	opts := sending.SessionOptions{
		MaxConnections: id.MaxConnections,
		MaxMessages:    id.MaxMessagesPerSession,
		OnBroken:       func(err error) { p.evictEntry(key, e, "broken", err) },
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = p.cfg.MaxConnections
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = p.cfg.MaxMessages
	}

	s, err := factory.NewSession(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", key, err)
	}

	vctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()
	if err := factory.Verify(vctx, s); err != nil {
		_ = s.Close()
		logger.Warn("[Pool] verification failed", "session", key.String(), "error", err)
		return nil, fmt.Errorf("verify session %s: %w", key, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Close()
		return nil, ErrClosed
	}
	e.session = s
	p.entries[key] = e
	metrics.PoolSessions.Set(float64(len(p.entries)))
	p.mu.Unlock()

	logger.Info("[Pool] session verified", "session", key.String(), "max_connections", opts.MaxConnections)
	return s, nil
}

// evictEntry removes e if it is still the cached entry for key. A stale
// signal from an already replaced session is ignored.
func (p *Pool) evictEntry(key domain.SessionKey, e *entry, cause string, err error) {
	p.mu.Lock()
	cur, ok := p.entries[key]
	if !ok || cur != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	metrics.PoolSessions.Set(float64(len(p.entries)))
	p.mu.Unlock()

	metrics.PoolEvictionsTotal.WithLabelValues(cause).Inc()
	logger.Warn("[Pool] session evicted", "session", key.String(), "cause", cause, "error", err)
	if e.session != nil {
		_ = e.session.Close()
	}
}

// Evict drops the identity's session, typically after a configuration change.
// The next Acquire rebuilds it.
func (p *Pool) Evict(id *domain.ProviderIdentity) {
	key := id.SessionKey()
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if ok {
		p.evictEntry(key, e, "explicit", nil)
	}
}

// Len returns the number of cached sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close drains every session. Acquire fails with ErrClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[domain.SessionKey]*entry)
	metrics.PoolSessions.Set(0)
	p.mu.Unlock()

	var errs []error
	for key, e := range entries {
		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		metrics.PoolEvictionsTotal.WithLabelValues("shutdown").Inc()
	}
	logger.Info("[Pool] drained", "sessions", len(entries))
	return errors.Join(errs...)
}
