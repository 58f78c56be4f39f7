package tracking

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedToken is returned for tokens that do not split into exactly
// campaign id, address and timestamp.
var ErrMalformedToken = errors.New("malformed tracking token")

const delimiter = "_"

// Token identifies one recipient of one campaign.
type Token struct {
	CampaignID string
	Address    string
	// IssuedAt is carried for uniqueness only. Zero when the segment is not a number.
	IssuedAt time.Time
}

// FormatToken renders "{campaignId}_{address}_{epochMillis}". Components
// containing "%" or "_" are percent-escaped so the split stays unambiguous;
// delimiter-free inputs produce the plain format.
func FormatToken(campaignID, address string, issuedAt time.Time) string {
	return escape(campaignID) + delimiter + escape(address) + delimiter + strconv.FormatInt(issuedAt.UnixMilli(), 10)
}

// ParseToken reverses FormatToken.
func ParseToken(s string) (Token, error) {
	parts := strings.Split(s, delimiter)
	if len(parts) != 3 {
		return Token{}, ErrMalformedToken
	}
	campaignID, ok := unescape(parts[0])
	if !ok || campaignID == "" {
		return Token{}, ErrMalformedToken
	}
	address, ok := unescape(parts[1])
	if !ok || address == "" {
		return Token{}, ErrMalformedToken
	}
	tok := Token{CampaignID: campaignID, Address: address}
	if ms, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
		tok.IssuedAt = time.UnixMilli(ms).UTC()
	}
	return tok, nil
}

var escaper = strings.NewReplacer("%", "%25", "_", "%5F")

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) (string, bool) {
	if !strings.Contains(s, "%") {
		return s, true
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", false
		}
		switch strings.ToUpper(s[i+1 : i+3]) {
		case "25":
			b.WriteByte('%')
		case "5F":
			b.WriteByte('_')
		default:
			return "", false
		}
		i += 2
	}
	return b.String(), true
}
