package campaign

import (
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound            = errors.New("campaign not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrProviderNotFound    = errors.New("provider identity not found")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrCampaignRunning     = errors.New("campaign is running and cannot be modified")
	ErrNoPendingRecipients = errors.New("campaign has no pending recipients")
	ErrInvalidInput        = errors.New("invalid campaign input")
)

// SetupError is fatal to the whole campaign: the provider identity or template
// it depends on is missing or unusable. The campaign moves to failed.
type SetupError struct {
	CampaignID string
	Reason     string
	Err        error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("campaign %s setup failed: %s: %v", e.CampaignID, e.Reason, e.Err)
	}
	return fmt.Sprintf("campaign %s setup failed: %s", e.CampaignID, e.Reason)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TransitionError reports a lifecycle change the transition table forbids.
type TransitionError struct {
	From domain.CampaignStatus
	To   domain.CampaignStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", domain.ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return domain.ErrInvalidTransition }

// IsSetupError reports whether err carries a *SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
