package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// Launcher hands a running campaign to the dispatch loop. Implementations must
// return quickly; the loop itself runs elsewhere.
type Launcher interface {
	Launch(ctx context.Context, campaignID string) error
}

// Service implements the campaign state machine. It coordinates the
// repositories and the launcher. All public methods are safe for concurrent
// use if the underlying repositories are concurrency-safe.
type Service struct {
	repo      Repository
	providers ProviderRepository
	templates TemplateRepository
	launcher  Launcher
	now       func() time.Time
}

// NewService creates a campaign service. launcher may be nil, in which case
// running campaigns are only picked up by the recovery sweep.
func NewService(repo Repository, providers ProviderRepository, templates TemplateRepository, launcher Launcher) *Service {
	return &Service{
		repo:      repo,
		providers: providers,
		templates: templates,
		launcher:  launcher,
		now:       time.Now,
	}
}

// SetLauncher wires the launcher after construction. The runner and the
// service reference each other, so one side has to be set late.
func (s *Service) SetLauncher(l Launcher) { s.launcher = l }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Get returns a single campaign with its recipients.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.LoadCampaign(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, error) {
	return s.repo.ListCampaigns(ctx, f)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	OwnerID     string           `json:"owner_id"`
	Name        string           `json:"name"`
	ProviderID  string           `json:"provider_id"`
	TemplateID  string           `json:"template_id"`
	Subject     string           `json:"subject"`
	HTMLBody    string           `json:"html_body"`
	TextBody    string           `json:"text_body"`
	FromName    string           `json:"from_name"`
	FromEmail   string           `json:"from_email"`
	ReplyTo     string           `json:"reply_to"`
	TrackOpens  bool             `json:"track_opens"`
	TrackClicks bool             `json:"track_clicks"`
	Pacing      domain.Pacing    `json:"pacing"`
	Recipients  []RecipientInput `json:"recipients"`
}

// RecipientInput is one addressee with its personalization variables.
type RecipientInput struct {
	Address   string            `json:"address"`
	Variables map[string]string `json:"variables"`
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidInput)
	}
	if in.TemplateID == "" && in.Subject == "" {
		return nil, fmt.Errorf("%w: subject or template_id is required", ErrInvalidInput)
	}
	if in.Pacing.DelayBetweenSends < 0 || in.Pacing.MaxPerHour < 0 {
		return nil, fmt.Errorf("%w: pacing values must not be negative", ErrInvalidInput)
	}

	now := s.now()
	c := &domain.Campaign{
		ID:          uuid.New().String(),
		OwnerID:     in.OwnerID,
		Name:        in.Name,
		ProviderID:  in.ProviderID,
		Subject:     in.Subject,
		HTMLBody:    in.HTMLBody,
		TextBody:    in.TextBody,
		FromName:    in.FromName,
		FromEmail:   in.FromEmail,
		ReplyTo:     in.ReplyTo,
		TrackOpens:  in.TrackOpens,
		TrackClicks: in.TrackClicks,
		Status:      domain.CampaignDraft,
		Pacing:      in.Pacing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.TemplateID != "" {
		id := in.TemplateID
		c.TemplateID = &id
	}

	seen := make(map[string]struct{}, len(in.Recipients))
	c.Recipients = make([]domain.Recipient, 0, len(in.Recipients))
	for _, ri := range in.Recipients {
		r := domain.NewRecipient(ri.Address, ri.Variables)
		if !strings.Contains(r.Address, "@") {
			return nil, fmt.Errorf("%w: invalid recipient address %q", ErrInvalidInput, ri.Address)
		}
		if _, dup := seen[r.Address]; dup {
			return nil, fmt.Errorf("%w: duplicate recipient address %q", ErrInvalidInput, r.Address)
		}
		seen[r.Address] = struct{}{}
		r.Position = len(c.Recipients)
		c.Recipients = append(c.Recipients, r)
	}
	c.TotalRecipients = len(c.Recipients)

	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	logger.Info("[campaign.Service] created", "campaign_id", c.ID, "recipients", c.TotalRecipients)
	return c, nil
}

// Update modifies mutable campaign fields. Rejected with ErrCampaignRunning
// while the campaign is dispatching.
func (s *Service) Update(ctx context.Context, id string, u UpdateFields) (*domain.Campaign, error) {
	status, err := s.repo.LoadCampaignStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == domain.CampaignRunning {
		return nil, ErrCampaignRunning
	}
	if u.Pacing != nil && (u.Pacing.DelayBetweenSends < 0 || u.Pacing.MaxPerHour < 0) {
		return nil, fmt.Errorf("%w: pacing values must not be negative", ErrInvalidInput)
	}
	if !u.IsEmpty() {
		if err := s.repo.UpdateCampaign(ctx, id, u); err != nil {
			return nil, err
		}
	}
	return s.repo.LoadCampaign(ctx, id)
}

// Start moves a draft campaign to running and launches dispatch.
func (s *Service) Start(ctx context.Context, id string) error {
	return s.enterRunning(ctx, id, domain.CampaignDraft)
}

// Resume moves a paused campaign back to running and launches dispatch.
// Recipients already past pending are never reselected.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.enterRunning(ctx, id, domain.CampaignPaused)
}

func (s *Service) enterRunning(ctx context.Context, id string, from domain.CampaignStatus) error {
	c, err := s.repo.LoadCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != from {
		return &TransitionError{From: c.Status, To: domain.CampaignRunning}
	}
	if c.PendingCount() == 0 {
		return ErrNoPendingRecipients
	}

	if _, _, err := s.ResolveSetup(ctx, c); err != nil {
		if IsSetupError(err) {
			if ferr := s.Fail(ctx, id, err); ferr != nil {
				logger.Error("[campaign.Service] could not mark campaign failed", "campaign_id", id, "error", ferr)
			}
		}
		return err
	}

	ts, err := c.Transition(domain.CampaignRunning, s.now())
	if err != nil {
		return &TransitionError{From: from, To: domain.CampaignRunning}
	}
	if err := s.repo.SaveCampaignStatus(ctx, id, domain.CampaignRunning, ts); err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	logger.Info("[campaign.Service] running", "campaign_id", id, "from", from, "pending", c.PendingCount())

	if s.launcher != nil {
		if err := s.launcher.Launch(ctx, id); err != nil {
			// The campaign is running; the recovery sweep re-enters it.
			logger.Warn("[campaign.Service] launch failed", "campaign_id", id, "error", err)
		}
	}
	return nil
}

// Pause is only legal while running. The dispatch loop observes it before the
// next send; an in-flight send completes first.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.moveTo(ctx, id, domain.CampaignPaused)
}

// Cancel ends a draft, running or paused campaign. Pending recipients stay pending.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.moveTo(ctx, id, domain.CampaignCancelled)
}

// Complete marks a running campaign completed. Called by the dispatch loop once
// no recipient is pending.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.moveTo(ctx, id, domain.CampaignCompleted)
}

// Fail marks the campaign failed because of cause.
func (s *Service) Fail(ctx context.Context, id string, cause error) error {
	if err := s.moveTo(ctx, id, domain.CampaignFailed); err != nil {
		return err
	}
	logger.Error("[campaign.Service] campaign failed", "campaign_id", id, "error", cause)
	return nil
}

func (s *Service) moveTo(ctx context.Context, id string, next domain.CampaignStatus) error {
	c, err := s.repo.LoadCampaign(ctx, id)
	if err != nil {
		return err
	}
	ts, err := c.Transition(next, s.now())
	if err != nil {
		return &TransitionError{From: c.Status, To: next}
	}
	if err := s.repo.SaveCampaignStatus(ctx, id, next, ts); err != nil {
		return err
	}
	logger.Info("[campaign.Service] status changed", "campaign_id", id, "status", next)
	return nil
}

// ResolveSetup loads the provider identity and optional template a campaign
// depends on. Missing or inactive dependencies yield a *SetupError; other
// repository failures are returned as-is.
func (s *Service) ResolveSetup(ctx context.Context, c *domain.Campaign) (*domain.ProviderIdentity, *domain.Template, error) {
	p, err := s.providers.LoadProviderIdentity(ctx, c.ProviderID)
	if errors.Is(err, ErrProviderNotFound) {
		return nil, nil, &SetupError{CampaignID: c.ID, Reason: "provider identity missing", Err: err}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load provider identity: %w", err)
	}
	if !p.Active {
		return nil, nil, &SetupError{CampaignID: c.ID, Reason: "provider identity inactive"}
	}

	if c.TemplateID == nil {
		return p, nil, nil
	}
	t, err := s.templates.LoadTemplate(ctx, *c.TemplateID)
	if errors.Is(err, ErrTemplateNotFound) {
		return nil, nil, &SetupError{CampaignID: c.ID, Reason: "template not found", Err: err}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load template: %w", err)
	}
	return p, t, nil
}
