// Package dispatch runs the per-campaign send loop and the restart recovery
// sweep that re-enters it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/personalize"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/quota"
	"github.com/ignite/dispatch-engine/internal/scheduler"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
	"github.com/ignite/dispatch-engine/internal/service/sending"
	"github.com/ignite/dispatch-engine/internal/tracking"
)

// ErrRunInProgress is returned when another pass holds the campaign lock.
var ErrRunInProgress = scheduler.ErrBusy

// DefaultMaxInlineDelay is the longest delayBetweenSends waited out inside a
// pass. Longer delays end the pass and schedule a continuation.
const DefaultMaxInlineDelay = 30 * time.Second

// Lifecycle is the part of the campaign service the loop drives.
type Lifecycle interface {
	ResolveSetup(ctx context.Context, c *domain.Campaign) (*domain.ProviderIdentity, *domain.Template, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
}

// Admitter is the quota guard.
type Admitter interface {
	Admit(ctx context.Context, providerID string, scope quota.Scope) (*quota.Decision, error)
}

// SessionSource is the transport session pool.
type SessionSource interface {
	Acquire(ctx context.Context, p *domain.ProviderIdentity) (sending.Session, error)
}

// Scheduler queues continuations.
type Scheduler interface {
	Schedule(ctx context.Context, campaignID string, at time.Time) error
}

// Dispatcher executes the Dispatch Loop. One Dispatcher serves every campaign;
// per-campaign exclusion comes from the try-locker.
type Dispatcher struct {
	repo      campaign.Repository
	lifecycle Lifecycle
	guard     Admitter
	sessions  SessionSource
	scheduler Scheduler
	locker    distlock.TryLocker
	links     *tracking.Links

	maxInlineDelay time.Duration
	now            func() time.Time
}

// Config collects the Dispatcher's collaborators.
type Config struct {
	Repo      campaign.Repository
	Lifecycle Lifecycle
	Guard     Admitter
	Sessions  SessionSource
	Scheduler Scheduler
	// Locker defaults to a process-local locker.
	Locker distlock.TryLocker
	// Links is optional. Without it no tracking is added to messages.
	Links *tracking.Links

	MaxInlineDelay time.Duration
	Now            func() time.Time
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		repo:           cfg.Repo,
		lifecycle:      cfg.Lifecycle,
		guard:          cfg.Guard,
		sessions:       cfg.Sessions,
		scheduler:      cfg.Scheduler,
		locker:         cfg.Locker,
		links:          cfg.Links,
		maxInlineDelay: cfg.MaxInlineDelay,
		now:            cfg.Now,
	}
	if d.locker == nil {
		d.locker = distlock.NewLocalLocker()
	}
	if d.maxInlineDelay <= 0 {
		d.maxInlineDelay = DefaultMaxInlineDelay
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// stopReason says why a pass ended before the pending set was exhausted.
type stopReason int

const (
	keepGoing stopReason = iota
	stopStatus
	stopDaily
	stopContinuation
	stopFailed
)

// pass is the state of one Run invocation.
type pass struct {
	c        *domain.Campaign
	tmpl     *domain.Template
	content  personalize.Content
	limiter  *rate.Limiter
	attempts int
}

// Run executes one invocation of the Dispatch Loop for campaignID.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) error {
	unlock, err := d.locker.TryLock(ctx, "dispatch:"+campaignID)
	if errors.Is(err, distlock.ErrNotAcquired) {
		return ErrRunInProgress
	}
	if err != nil {
		return fmt.Errorf("campaign lock: %w", err)
	}
	defer unlock()

	return d.run(ctx, campaignID)
}

func (d *Dispatcher) run(ctx context.Context, campaignID string) error {
	c, err := d.repo.LoadCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c.Status != domain.CampaignRunning {
		logger.Info("[Dispatch] campaign not running, nothing to do", "campaign_id", c.ID, "status", c.Status)
		return nil
	}

	_, tmpl, err := d.lifecycle.ResolveSetup(ctx, c)
	if err != nil {
		return d.failIfSetup(ctx, c.ID, err)
	}

	p := &pass{c: c, tmpl: tmpl, content: contentFor(c, tmpl)}
	if delay := c.Pacing.DelayBetweenSends; delay > 0 && delay <= d.maxInlineDelay {
		p.limiter = rate.NewLimiter(rate.Every(delay), 1)
		// Spacing carries over from the previous pass's last send.
		if c.LastSentAt != nil {
			p.limiter.AllowN(*c.LastSentAt, 1)
		}
	}

	logger.Info("[Dispatch] pass started", "campaign_id", c.ID, "pending", c.PendingCount())
	for {
		pending := p.c.PendingRecipients()
		if len(pending) == 0 {
			return d.complete(ctx, p.c)
		}

		for i := range pending {
			reason, err := d.step(ctx, p, &pending[i])
			if err != nil {
				return err
			}
			if reason != keepGoing {
				logger.Info("[Dispatch] pass ended", "campaign_id", c.ID, "reason", reason.String(), "attempts", p.attempts)
				return nil
			}
		}

		// Re-read so recipients added or reset between passes are picked up.
		if p.c, err = d.repo.LoadCampaign(ctx, campaignID); err != nil {
			return fmt.Errorf("reload campaign: %w", err)
		}
	}
}

// step handles one recipient. Errors are transient infrastructure failures;
// the campaign stays running and the recovery sweep re-enters it.
func (d *Dispatcher) step(ctx context.Context, p *pass, r *domain.Recipient) (stopReason, error) {
	status, err := d.repo.LoadCampaignStatus(ctx, p.c.ID)
	if err != nil {
		return stopFailed, fmt.Errorf("load campaign status: %w", err)
	}
	if status != domain.CampaignRunning {
		return stopStatus, nil
	}

	if reason, err := d.pace(ctx, p); reason != keepGoing || err != nil {
		return reason, err
	}

	dec, err := d.guard.Admit(ctx, p.c.ProviderID, quota.Scope{CampaignID: p.c.ID, MaxPerHour: p.c.Pacing.MaxPerHour})
	if errors.Is(err, campaign.ErrProviderNotFound) {
		return stopFailed, d.failIfSetup(ctx, p.c.ID, &campaign.SetupError{CampaignID: p.c.ID, Reason: "provider identity missing", Err: err})
	}
	if err != nil {
		return stopFailed, fmt.Errorf("admit: %w", err)
	}
	if !dec.Allowed {
		if dec.IsDaily() {
			logger.Info("[Dispatch] daily limit reached, remaining recipients stay pending", "campaign_id", p.c.ID, "provider_id", p.c.ProviderID)
			return stopDaily, nil
		}
		return stopContinuation, d.continueAt(ctx, p.c.ID, d.now().Add(dec.RetryAfter), string(dec.Reason))
	}

	provider := dec.Provider
	sess, err := d.sessions.Acquire(ctx, provider)
	if err != nil {
		dec.Release()
		if ctx.Err() != nil {
			return stopFailed, ctx.Err()
		}
		return stopFailed, d.failIfSetup(ctx, p.c.ID, &campaign.SetupError{CampaignID: p.c.ID, Reason: "transport session unavailable", Err: err})
	}

	msg := d.message(p, provider, r)

	// An in-flight send and its bookkeeping always complete, even on shutdown.
	bg := context.WithoutCancel(ctx)
	start := d.now()
	res, sendErr := sess.Send(bg, msg)
	metrics.RecordSend(string(provider.Kind), sendErr == nil, time.Since(start))
	p.attempts++

	if err := dec.Record(bg, sendErr == nil); err != nil {
		logger.Error("[Dispatch] quota accounting failed", "campaign_id", p.c.ID, "provider_id", provider.ID, "error", err)
	}

	at := d.now()
	_, err = d.repo.UpdateRecipient(bg, p.c.ID, r.Address, func(rec *domain.Recipient) error {
		if sendErr != nil {
			return rec.MarkFailed(sendErr.Error(), at)
		}
		return rec.MarkSent(res.MessageID, at, res.Delivered)
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Warn("[Dispatch] recipient no longer pending", "campaign_id", p.c.ID, "address", r.Address)
	case err != nil:
		return stopFailed, fmt.Errorf("update recipient: %w", err)
	}

	if sendErr != nil {
		logger.Warn("[Dispatch] send failed", "campaign_id", p.c.ID, "address", r.Address, "error", sendErr)
	} else if err := d.repo.TouchLastSent(bg, p.c.ID, at); err != nil {
		logger.Warn("[Dispatch] last sent not recorded", "campaign_id", p.c.ID, "error", err)
	}
	return keepGoing, nil
}

// pace applies delayBetweenSends, measured from the previous send even when
// that send belonged to an earlier pass. Short delays are waited out; long
// ones end the pass so no lock or connection is held across the sleep.
func (d *Dispatcher) pace(ctx context.Context, p *pass) (stopReason, error) {
	delay := p.c.Pacing.DelayBetweenSends
	if delay <= 0 {
		return keepGoing, nil
	}
	if p.limiter == nil {
		due := d.now().Add(delay)
		if p.attempts == 0 {
			if p.c.LastSentAt == nil || !p.c.LastSentAt.Add(delay).After(d.now()) {
				return keepGoing, nil
			}
			due = p.c.LastSentAt.Add(delay)
		}
		return stopContinuation, d.continueAt(ctx, p.c.ID, due, "pacing")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return stopFailed, err
	}
	return keepGoing, nil
}

func (d *Dispatcher) continueAt(ctx context.Context, campaignID string, at time.Time, why string) error {
	if err := d.scheduler.Schedule(context.WithoutCancel(ctx), campaignID, at); err != nil {
		return fmt.Errorf("schedule continuation: %w", err)
	}
	logger.Info("[Dispatch] continuation scheduled", "campaign_id", campaignID, "reason", why, "at", at.UTC().Format(time.RFC3339))
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, c *domain.Campaign) error {
	err := d.lifecycle.Complete(ctx, c.ID)
	var te *campaign.TransitionError
	if errors.As(err, &te) {
		// Paused or cancelled after the last send.
		logger.Info("[Dispatch] campaign left running before completion", "campaign_id", c.ID, "status", te.From)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	metrics.CampaignTransitionsTotal.WithLabelValues(string(domain.CampaignCompleted)).Inc()
	logger.Info("[Dispatch] campaign completed", "campaign_id", c.ID, "sent", c.Counters.Sent, "failed", c.Counters.Failed)
	return nil
}

func (d *Dispatcher) failIfSetup(ctx context.Context, campaignID string, err error) error {
	if !campaign.IsSetupError(err) {
		return err
	}
	if ferr := d.lifecycle.Fail(context.WithoutCancel(ctx), campaignID, err); ferr != nil {
		logger.Error("[Dispatch] could not mark campaign failed", "campaign_id", campaignID, "error", ferr)
	} else {
		metrics.CampaignTransitionsTotal.WithLabelValues(string(domain.CampaignFailed)).Inc()
	}
	return err
}

func (r stopReason) String() string {
	switch r {
	case stopStatus:
		return "status changed"
	case stopDaily:
		return "daily limit"
	case stopContinuation:
		return "continuation scheduled"
	case stopFailed:
		return "failed"
	}
	return "running"
}
