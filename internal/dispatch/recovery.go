package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

const DefaultRecoverySchedule = "@every 5m"

// Enqueuer is the runner side the sweep needs.
type Enqueuer interface {
	Launch(ctx context.Context, campaignID string) error
	Scheduled(ctx context.Context, campaignID string) (time.Time, bool, error)
}

// Recovery re-enters every running campaign that has no continuation queued.
// It runs once at startup and then on a cron schedule, which also picks up
// campaigns stopped by a daily limit once the day rolls over.
type Recovery struct {
	repo     campaign.Repository
	enqueuer Enqueuer
	schedule string
	pageSize int

	mu   sync.Mutex
	cron *cron.Cron
}

func NewRecovery(repo campaign.Repository, enqueuer Enqueuer, schedule string) *Recovery {
	if schedule == "" {
		schedule = DefaultRecoverySchedule
	}
	return &Recovery{repo: repo, enqueuer: enqueuer, schedule: schedule, pageSize: 100}
}

// Sweep launches running campaigns and returns how many were launched.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	var ids []string
	for offset := 0; ; offset += r.pageSize {
		page, err := r.repo.ListCampaigns(ctx, campaign.ListFilter{Status: domain.CampaignRunning, Limit: r.pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("list running campaigns: %w", err)
		}
		for _, c := range page {
			ids = append(ids, c.ID)
		}
		if len(page) < r.pageSize {
			break
		}
	}

	launched := 0
	for _, id := range ids {
		if _, queued, err := r.enqueuer.Scheduled(ctx, id); err != nil {
			logger.Warn("[Recovery] continuation lookup failed", "campaign_id", id, "error", err)
			continue
		} else if queued {
			continue
		}
		if err := r.enqueuer.Launch(ctx, id); err != nil {
			logger.Warn("[Recovery] launch failed", "campaign_id", id, "error", err)
			continue
		}
		launched++
	}
	if launched > 0 {
		logger.Info("[Recovery] re-entered running campaigns", "launched", launched, "running", len(ids))
	}
	return launched, nil
}

// Start sweeps once and then on the configured schedule.
func (r *Recovery) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("recovery already started")
	}

	if _, err := r.Sweep(ctx); err != nil {
		logger.Error("[Recovery] startup sweep failed", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			logger.Error("[Recovery] sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("recovery schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	logger.Info("[Recovery] started", "schedule", r.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Recovery) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	logger.Info("[Recovery] stopped")
}
