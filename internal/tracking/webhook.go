package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// WebhookSignatureHeader carries "sha256=<hex HMAC-SHA256 of the raw body>"
// on the reply, delivered and bounce webhooks.
const WebhookSignatureHeader = "X-Dispatch-Signature"

// ErrUnsignedWebhook is returned when a webhook carries no signature header.
var ErrUnsignedWebhook = errors.New("missing webhook signature")

// SignWebhook returns the signature header value for body under secret.
func SignWebhook(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func verifyWebhook(secret, body []byte, header string) error {
	if header == "" {
		return ErrUnsignedWebhook
	}
	if len(secret) == 0 || !hmac.Equal([]byte(SignWebhook(secret, body)), []byte(header)) {
		return ErrBadSignature
	}
	return nil
}
