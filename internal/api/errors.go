package api

import (
	"errors"
	"net/http"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// respondServiceError maps campaign service errors to status codes. Anything
// unrecognised is logged and answered with a generic 500 so repository
// details never reach the caller.
func respondServiceError(w http.ResponseWriter, err error) {
	var setup *campaign.SetupError
	switch {
	case errors.As(err, &setup):
		httputil.Fail(w, http.StatusUnprocessableEntity, "setup_failed", setup.Error())
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrInvalidInput):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, campaign.ErrCampaignRunning):
		httputil.Conflict(w, "campaign_running", err.Error())
	case errors.Is(err, campaign.ErrNoPendingRecipients):
		httputil.Conflict(w, "no_pending_recipients", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		httputil.Conflict(w, "invalid_transition", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
