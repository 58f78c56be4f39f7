// Package quota implements admission control for provider identities: a
// daily attempt cap with a lazy calendar-day reset, and hourly success buckets
// for both the identity and the campaign.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// Reason explains a denial.
type Reason string

const (
	ReasonDaily          Reason = "daily limit exceeded"
	ReasonHourly         Reason = "hourly limit exceeded"
	ReasonCampaignHourly Reason = "campaign hourly limit exceeded"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
	// Buckets outlive their hour so a late Get still sees the count.
	bucketTTL = 2 * time.Hour
)

// Scope narrows an admission to one campaign so its own maxPerHour applies.
type Scope struct {
	CampaignID string
	MaxPerHour int
}

// Decision is the outcome of Admit. When Allowed, the caller owns the
// identity's admission lock until it calls Record or Release.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	// Provider is the freshly loaded identity, after any day reset.
	Provider *domain.ProviderIdentity

	g         *Guard
	scope     Scope
	hourKeys  []string
	unlock    func()
	finalized sync.Once
}

// IsDaily reports a daily-cap denial, which has no retry time.
func (d *Decision) IsDaily() bool { return !d.Allowed && d.Reason == ReasonDaily }

// Guard admits or denies send attempts. One Guard is built per process and
// shared by every dispatch loop.
type Guard struct {
	providers  campaign.ProviderRepository
	buckets    BucketStore
	locker     distlock.Locker
	defaultLoc *time.Location
	now        func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithLocation sets the accounting clock used for identities without a timezone.
func WithLocation(loc *time.Location) Option { return func(g *Guard) { g.defaultLoc = loc } }

// NewGuard creates a Guard. locker provides the per-identity admission lock.
func NewGuard(providers campaign.ProviderRepository, buckets BucketStore, locker distlock.Locker, opts ...Option) *Guard {
	g := &Guard{
		providers:  providers,
		buckets:    buckets,
		locker:     locker,
		defaultLoc: time.UTC,
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func providerBucket(id, hour string) string { return "provider:" + id + ":" + hour }
func campaignBucket(id, hour string) string { return "campaign:" + id + ":" + hour }

// Admit evaluates the identity's quotas. On Allow the identity stays locked
// until Record or Release so that the check and the increment are atomic
// across campaigns sharing the identity.
func (g *Guard) Admit(ctx context.Context, providerID string, scope Scope) (*Decision, error) {
	unlock, err := g.locker.Lock(ctx, "quota:"+providerID)
	if err != nil {
		return nil, fmt.Errorf("admission lock: %w", err)
	}

	d, err := g.evaluate(ctx, providerID, scope)
	if err != nil || !d.Allowed {
		unlock()
		if d != nil && !d.Allowed {
			metrics.QuotaDenialsTotal.WithLabelValues(string(d.Reason)).Inc()
		}
		return d, err
	}
	d.unlock = unlock
	return d, nil
}

func (g *Guard) evaluate(ctx context.Context, providerID string, scope Scope) (*Decision, error) {
	p, err := g.providers.LoadProviderIdentity(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := g.now().In(p.Location(g.defaultLoc))
	today := now.Format(dayLayout)
	if p.LastResetDate != today {
		if err := g.providers.ResetProviderDay(ctx, p.ID, today); err != nil {
			return nil, fmt.Errorf("reset provider day: %w", err)
		}
		p.SentToday, p.FailedToday, p.LastResetDate = 0, 0, today
	}

	d := &Decision{Provider: p, g: g, scope: scope}
	if p.DailyLimit > 0 && p.SentToday >= p.DailyLimit {
		d.Reason = ReasonDaily
		return d, nil
	}

	hour := now.Format(hourLayout)
	retryAfter := nextHour(now).Sub(now)

	pk := providerBucket(p.ID, hour)
	d.hourKeys = append(d.hourKeys, pk)
	if p.HourlyLimit > 0 {
		n, err := g.buckets.Get(ctx, pk)
		if err != nil {
			return nil, err
		}
		if n >= p.HourlyLimit {
			d.Reason, d.RetryAfter = ReasonHourly, retryAfter
			return d, nil
		}
	}

	if scope.CampaignID != "" && scope.MaxPerHour > 0 {
		ck := campaignBucket(scope.CampaignID, hour)
		d.hourKeys = append(d.hourKeys, ck)
		n, err := g.buckets.Get(ctx, ck)
		if err != nil {
			return nil, err
		}
		if n >= scope.MaxPerHour {
			d.Reason, d.RetryAfter = ReasonCampaignHourly, retryAfter
			return d, nil
		}
	}

	d.Allowed = true
	return d, nil
}

// nextHour returns the start of the hour after t, in t's location.
func nextHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
}

// Record counts a finished attempt and releases the admission lock. Every
// attempt counts toward sentToday; failures also count toward failedToday;
// only successes fill the hourly buckets.
func (d *Decision) Record(ctx context.Context, success bool) error {
	if !d.Allowed {
		return nil
	}
	var errs []error
	d.finalized.Do(func() {
		defer d.unlock()

		delta := domain.ProviderCounterDelta{Sent: 1}
		if !success {
			delta.Failed = 1
		}
		if err := d.g.providers.IncrementProviderCounters(ctx, d.Provider.ID, delta); err != nil {
			errs = append(errs, fmt.Errorf("increment provider counters: %w", err))
		}
		if !success {
			return
		}
		for _, k := range d.hourKeys {
			if _, err := d.g.buckets.Incr(ctx, k, bucketTTL); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Release gives up the admission without counting an attempt, for example
// when no session could be acquired.
func (d *Decision) Release() {
	if !d.Allowed {
		return
	}
	d.finalized.Do(d.unlock)
}
