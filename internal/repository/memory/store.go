// Package memory provides in-process implementations of the campaign,
// provider and template repositories. Used by tests and single-process mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// Store holds every document behind one mutex. Returned values are deep copies.
type Store struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	providers map[string]*domain.ProviderIdentity
	templates map[string]*domain.Template
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[string]*domain.Campaign),
		providers: make(map[string]*domain.ProviderIdentity),
		templates: make(map[string]*domain.Template),
		now:       time.Now,
	}
}

var (
	_ campaign.Repository         = (*Store)(nil)
	_ campaign.ProviderRepository = (*Store)(nil)
	_ campaign.TemplateRepository = (*Store)(nil)
)

// PutProvider inserts or replaces a provider identity.
func (s *Store) PutProvider(p domain.ProviderIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = &p
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(t domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = &t
}

func (s *Store) get(id string) (*domain.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return c, nil
}

// LoadCampaign implements campaign.Repository.
func (s *Store) LoadCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// LoadCampaignStatus implements campaign.Repository.
func (s *Store) LoadCampaignStatus(_ context.Context, id string) (domain.CampaignStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// ListCampaigns implements campaign.Repository.
func (s *Store) ListCampaigns(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		cp := c.Clone()
		cp.Recipients = nil
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// CreateCampaign implements campaign.Repository.
func (s *Store) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("id required")
	}
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	cp := c.Clone()
	cp.Counters = cp.RecomputeCounters()
	s.campaigns[c.ID] = cp
	return nil
}

// UpdateCampaign implements campaign.Repository.
func (s *Store) UpdateCampaign(_ context.Context, id string, u campaign.UpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignRunning {
		return campaign.ErrCampaignRunning
	}
	u.Apply(c)
	c.UpdatedAt = s.now()
	return nil
}

// SaveCampaignStatus implements campaign.Repository.
func (s *Store) SaveCampaignStatus(_ context.Context, id string, status domain.CampaignStatus, ts domain.StatusTimestamps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return err
	}
	if !c.Status.CanTransitionTo(status) {
		return &campaign.TransitionError{From: c.Status, To: status}
	}
	c.Status = status
	if c.StartedAt == nil && ts.StartedAt != nil {
		t := *ts.StartedAt
		c.StartedAt = &t
	}
	if ts.CompletedAt != nil {
		t := *ts.CompletedAt
		c.CompletedAt = &t
	}
	c.UpdatedAt = s.now()
	return nil
}

// UpdateRecipient implements campaign.Repository.
func (s *Store) UpdateRecipient(_ context.Context, campaignID, address string, fn func(*domain.Recipient) error) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(campaignID)
	if err != nil {
		return nil, err
	}
	r, ok := c.Recipient(address)
	if !ok {
		return nil, campaign.ErrRecipientNotFound
	}

	work := r.Clone()
	before := work.Contribution()
	if err := fn(&work); err != nil {
		return nil, err
	}
	c.Counters = c.Counters.Add(work.Contribution().Sub(before))
	*r = work
	out := work.Clone()
	return &out, nil
}

// TouchLastSent implements campaign.Repository.
func (s *Store) TouchLastSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return err
	}
	t := at
	c.LastSentAt = &t
	return nil
}

// LoadProviderIdentity implements campaign.ProviderRepository.
func (s *Store) LoadProviderIdentity(_ context.Context, id string) (*domain.ProviderIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, campaign.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

// ResetProviderDay implements campaign.ProviderRepository.
func (s *Store) ResetProviderDay(_ context.Context, id, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return campaign.ErrProviderNotFound
	}
	if p.LastResetDate == day {
		return nil
	}
	p.SentToday = 0
	p.FailedToday = 0
	p.LastResetDate = day
	p.UpdatedAt = s.now()
	return nil
}

// IncrementProviderCounters implements campaign.ProviderRepository.
func (s *Store) IncrementProviderCounters(_ context.Context, id string, d domain.ProviderCounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return campaign.ErrProviderNotFound
	}
	p.SentToday += d.Sent
	p.FailedToday += d.Failed
	p.UpdatedAt = s.now()
	return nil
}

// LoadTemplate implements campaign.TemplateRepository.
func (s *Store) LoadTemplate(_ context.Context, id string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, campaign.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}
