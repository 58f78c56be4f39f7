package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// CampaignService is what the handlers need from campaign.Service.
type CampaignService interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, error)
	Create(ctx context.Context, in campaign.CreateInput) (*domain.Campaign, error)
	Update(ctx context.Context, id string, u campaign.UpdateFields) (*domain.Campaign, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Handlers contains the campaign control handlers
type Handlers struct {
	campaigns CampaignService
}

// NewHandlers creates a new Handlers instance
func NewHandlers(campaigns CampaignService) *Handlers {
	return &Handlers{campaigns: campaigns}
}

const maxListLimit = 200

// HandleListCampaigns serves GET /api/campaigns?status=&owner_id=&limit=&offset=
func (h *Handlers) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := campaign.ListFilter{OwnerID: q.Get("owner_id"), Limit: 50}

	if s := q.Get("status"); s != "" {
		status, err := domain.ParseCampaignStatus(s)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		f.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	list, err := h.campaigns.List(r.Context(), f)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.OK(w, map[string]any{
		"campaigns": list,
		"limit":     f.Limit,
		"offset":    f.Offset,
	})
}

// HandleCreateCampaign serves POST /api/campaigns
func (h *Handlers) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, c)
}

// HandleGetCampaign serves GET /api/campaigns/{id}
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// HandleUpdateCampaign serves PATCH /api/campaigns/{id}
func (h *Handlers) HandleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var u campaign.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}
	c, err := h.campaigns.Update(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

type campaignStats struct {
	ID              string                `json:"id"`
	Status          domain.CampaignStatus `json:"status"`
	TotalRecipients int                   `json:"total_recipients"`
	Pending         int                   `json:"pending"`
	Counters        domain.Counters       `json:"counters"`
}

// HandleCampaignStats serves GET /api/campaigns/{id}/stats
func (h *Handlers) HandleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, campaignStats{
		ID:              c.ID,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		Pending:         c.PendingCount(),
		Counters:        c.Counters,
	})
}

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start", h.campaigns.Start)
}

func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "pause", h.campaigns.Pause)
}

func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "resume", h.campaigns.Resume)
}

func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "cancel", h.campaigns.Cancel)
}

// lifecycle runs op and answers with the campaign's resulting state.
func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		logger.Info("[API] campaign action rejected", "action", action, "campaign_id", id, "error", err)
		respondServiceError(w, err)
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"id":     c.ID,
		"status": c.Status,
		"action": action,
	})
}
