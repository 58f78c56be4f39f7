package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// SMTPFactory builds SMTP sessions on gomail dialers. Dialing performs the
// EHLO, STARTTLS and AUTH exchange, so a successful dial is the verification.
type SMTPFactory struct {
	// TLSConfig overrides the dialer's TLS settings. Nil uses ServerName = host.
	TLSConfig *tls.Config
}

// NewSession implements sending.SessionFactory.
func (f *SMTPFactory) NewSession(_ context.Context, p *domain.ProviderIdentity, opts sending.SessionOptions) (sending.Session, error) {
	if p.Host == "" || p.Port == 0 {
		return nil, fmt.Errorf("smtp identity %s has no host/port", p.ID)
	}
	d := gomail.NewDialer(p.Host, p.Port, p.Account, p.Secret)
	if f.TLSConfig != nil {
		d.TLSConfig = f.TLSConfig
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	return &smtpSession{
		dial:        d.Dial,
		host:        p.Host,
		idle:        make(chan *smtpConn, maxConns),
		slots:       make(chan struct{}, maxConns),
		maxMessages: opts.MaxMessages,
		onBroken:    opts.OnBroken,
	}, nil
}

// Verify dials one connection and parks it as idle.
func (f *SMTPFactory) Verify(ctx context.Context, s sending.Session) error {
	ss, ok := s.(*smtpSession)
	if !ok {
		return fmt.Errorf("not an smtp session: %T", s)
	}
	c, err := ss.dialContext(ctx)
	if err != nil {
		return err
	}
	ss.release(c)
	return nil
}

type smtpConn struct {
	sc   gomail.SendCloser
	sent int
}

// smtpSession keeps up to cap(slots) live connections. A connection is
// rotated after maxMessages sends.
type smtpSession struct {
	dial        func() (gomail.SendCloser, error)
	host        string
	idle        chan *smtpConn
	slots       chan struct{}
	maxMessages int

	onBroken   func(error)
	brokenOnce sync.Once
	mu         sync.Mutex
	closed     bool
}

func (s *smtpSession) dialContext(ctx context.Context) (*smtpConn, error) {
	type result struct {
		sc  gomail.SendCloser
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sc, err := s.dial()
		ch <- result{sc, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &smtpConn{sc: r.sc}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.sc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *smtpSession) take(ctx context.Context) (*smtpConn, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case c := <-s.idle:
		return c, nil
	default:
	}
	c, err := s.dialContext(ctx)
	if err != nil {
		<-s.slots
		return nil, err
	}
	return c, nil
}

// release returns c to the idle set, or closes it if it is due for rotation
// or the session is closed.
func (s *smtpSession) release(c *smtpConn) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	rotate := s.maxMessages > 0 && c.sent >= s.maxMessages
	if closed || rotate {
		c.sc.Close()
	} else {
		select {
		case s.idle <- c:
		default:
			c.sc.Close()
		}
	}
}

func (s *smtpSession) markBroken(err error) {
	s.brokenOnce.Do(func() {
		if s.onBroken != nil {
			s.onBroken(err)
		}
	})
}

// Send implements sending.Session.
func (s *smtpSession) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c, err := s.take(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.markBroken(err)
		}
		return nil, fmt.Errorf("smtp connect %s: %w", s.host, err)
	}

	m, messageID := buildMessage(msg)
	err = gomail.Send(c.sc, m)
	<-s.slots
	if err != nil {
		// The connection state is unknown after a failed transaction.
		c.sc.Close()
		return nil, err
	}
	c.sent++
	s.release(c)

	return &domain.SendResult{
		MessageID: messageID,
		Transport: domain.TransportSMTP,
		SentAt:    time.Now(),
	}, nil
}

// Close implements sending.Session.
func (s *smtpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for {
		select {
		case c := <-s.idle:
			if err := c.sc.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func buildMessage(msg *domain.EmailMessage) (*gomail.Message, string) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), senderDomain(msg.FromEmail))
	m.SetHeader("Message-ID", messageID)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.HTMLContent != "" && msg.TextContent != "":
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	case msg.HTMLContent != "":
		m.SetBody("text/html", msg.HTMLContent)
	default:
		m.SetBody("text/plain", msg.TextContent)
	}
	return m, messageID
}

func senderDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
