// Package sending defines the interfaces between the dispatch loop and the
// transports that deliver mail.
//
// Each transport (SMTP, SES) implements SessionFactory. The session pool uses
// the factory registered for a provider identity's kind to build, verify and
// cache a Session per (host, port, account).
package sending

import (
	"context"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Session is a verified, authenticated handle to one provider identity's
// transport. Implementations must be safe for concurrent use.
type Session interface {
	// Send delivers one message. The returned error text is recorded on the
	// recipient verbatim.
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)

	// Close releases the underlying connections.
	Close() error
}

// SessionFactory builds a Session for an identity. Verify performs the single
// synchronous handshake the pool runs before caching the session.
type SessionFactory interface {
	NewSession(ctx context.Context, p *domain.ProviderIdentity, opts SessionOptions) (Session, error)
	Verify(ctx context.Context, s Session) error
}

// SessionOptions are fixed at construction and never renegotiated.
type SessionOptions struct {
	MaxConnections int
	MaxMessages    int
	// OnBroken is called at most once when the session can no longer deliver.
	// The pool uses it to evict the entry.
	OnBroken func(err error)
}
