package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrBadSignature is returned when a tracking URL's HMAC does not match.
var ErrBadSignature = errors.New("invalid tracking signature")

// Links builds and verifies signed tracking URLs:
//
//	{base}/track/open/{data}/{sig}
//	{base}/track/click/{data}/{sig}?url={link}
//
// data is the base64url token; sig is a truncated HMAC-SHA256 over the token,
// and for clicks over token|link so the redirect target cannot be swapped.
type Links struct {
	baseURL    string
	signingKey []byte
}

// NewLinks creates a URL builder for the tracking edge at baseURL.
func NewLinks(baseURL, signingKey string) *Links {
	return &Links{baseURL: strings.TrimRight(baseURL, "/"), signingKey: []byte(signingKey)}
}

// BaseURL returns the tracking edge's base URL without a trailing slash.
func (l *Links) BaseURL() string { return l.baseURL }

// sign creates an HMAC signature
func (l *Links) sign(data string) string {
	h := hmac.New(sha256.New, l.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (l *Links) verify(data, signature string) bool {
	return hmac.Equal([]byte(l.sign(data)), []byte(signature))
}

// OpenURL returns the pixel URL for token.
func (l *Links) OpenURL(token string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(token))
	return fmt.Sprintf("%s/track/open/%s/%s", l.baseURL, encoded, l.sign(token))
}

// ClickURL returns the redirect URL for token and the original link.
func (l *Links) ClickURL(token, link string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(token))
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", l.baseURL, encoded, l.sign(token+"|"+link), url.QueryEscape(link))
}

// VerifyOpen decodes and authenticates an open URL's path segments.
func (l *Links) VerifyOpen(data, sig string) (string, error) {
	token, err := decode(data)
	if err != nil {
		return "", err
	}
	if !l.verify(token, sig) {
		return "", ErrBadSignature
	}
	return token, nil
}

// VerifyClick decodes and authenticates a click URL. link is the url query value.
func (l *Links) VerifyClick(data, sig, link string) (string, error) {
	token, err := decode(data)
	if err != nil {
		return "", err
	}
	if link == "" || !l.verify(token+"|"+link, sig) {
		return "", ErrBadSignature
	}
	return token, nil
}

func decode(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return string(b), nil
}
