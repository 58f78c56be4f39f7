package tracking

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler is the tracking edge. It authenticates links and webhooks and
// forwards events to a sink, either the Ingest directly or a broker publisher.
type Handler struct {
	links      *Links
	sink       EventSink
	webhookKey []byte
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithWebhookSecret sets the key webhook bodies are signed with. Without it,
// or with an empty secret, the links signing key is used.
func WithWebhookSecret(secret string) HandlerOption {
	return func(h *Handler) {
		if secret != "" {
			h.webhookKey = []byte(secret)
		}
	}
}

func NewHandler(links *Links, sink EventSink, opts ...HandlerOption) *Handler {
	h := &Handler{links: links, sink: sink, webhookKey: links.signingKey}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	r.Get("/health", h.HandleHealth)
	return r
}

// Mount registers the tracking routes on an existing router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
	r.Post("/track/reply", h.HandleReply)
	r.Post("/track/delivered", h.HandleDelivered)
	r.Post("/track/bounce", h.HandleBounce)
}

// HandleOpen always serves the pixel, whatever happens to the event.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	defer h.servePixel(w)

	token, err := h.links.VerifyOpen(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		logger.Info("[Tracking] open rejected", "error", err)
		return
	}
	tok, err := ParseToken(token)
	if err != nil {
		logger.Info("[Tracking] open rejected", "error", err)
		return
	}
	h.sink.Submit(r.Context(), domain.TrackingEvent{
		EventType:  domain.EventOpen,
		CampaignID: tok.CampaignID,
		Address:    tok.Address,
		IPAddress:  realIP(r),
		UserAgent:  r.UserAgent(),
		Timestamp:  time.Now().UTC(),
	})
}

// HandleClick redirects to the signed original link.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	link := r.URL.Query().Get("url")
	token, err := h.links.VerifyClick(chi.URLParam(r, "data"), chi.URLParam(r, "sig"), link)
	if err != nil {
		logger.Info("[Tracking] click rejected", "error", err)
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	if tok, err := ParseToken(token); err == nil {
		h.sink.Submit(r.Context(), domain.TrackingEvent{
			EventType:  domain.EventClick,
			CampaignID: tok.CampaignID,
			Address:    tok.Address,
			URL:        link,
			IPAddress:  realIP(r),
			UserAgent:  r.UserAgent(),
			Timestamp:  time.Now().UTC(),
		})
	} else {
		logger.Info("[Tracking] click token unreadable", "error", err)
	}
	http.Redirect(w, r, link, http.StatusTemporaryRedirect)
}

type signalRequest struct {
	CampaignID string `json:"campaign_id"`
	Address    string `json:"address"`
	Reason     string `json:"reason,omitempty"`
}

// HandleReply accepts a reply signal from an inbound-mail processor.
func (h *Handler) HandleReply(w http.ResponseWriter, r *http.Request) {
	h.handleSignal(w, r, domain.EventReply)
}

// HandleDelivered accepts a delivery confirmation from a provider webhook.
func (h *Handler) HandleDelivered(w http.ResponseWriter, r *http.Request) {
	h.handleSignal(w, r, domain.EventDelivered)
}

// HandleBounce accepts a bounce notification from a provider webhook.
func (h *Handler) HandleBounce(w http.ResponseWriter, r *http.Request) {
	h.handleSignal(w, r, domain.EventBounce)
}

// handleSignal requires a valid WebhookSignatureHeader, then answers 202 for
// anything it can decode; ingest errors are never surfaced to the caller.
func (h *Handler) handleSignal(w http.ResponseWriter, r *http.Request, t domain.TrackingEventType) {
	r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	if err := verifyWebhook(h.webhookKey, body, r.Header.Get(WebhookSignatureHeader)); err != nil {
		logger.Warn("[Tracking] webhook rejected", "path", r.URL.Path, "error", err)
		httputil.Unauthorized(w, err.Error())
		return
	}
	var req signalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	h.sink.Submit(r.Context(), domain.TrackingEvent{
		EventType:  t,
		CampaignID: req.CampaignID,
		Address:    req.Address,
		Reason:     req.Reason,
		Timestamp:  time.Now().UTC(),
	})
	httputil.Accepted(w, map[string]string{"status": "accepted"})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
