package tracking

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_RoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000123).UTC()
	cases := []struct {
		name, campaignID, address string
	}{
		{"plain", "c-1", "a@example.com"},
		{"underscore in address", "c-1", "first_last@example.com"},
		{"underscore in campaign", "spring_sale", "a@example.com"},
		{"percent in address", "c-1", "100%real@example.com"},
		{"escape lookalike", "c-1", "a%5Fb@example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok, err := ParseToken(FormatToken(tc.campaignID, tc.address, at))
			require.NoError(t, err)
			assert.Equal(t, tc.campaignID, tok.CampaignID)
			assert.Equal(t, tc.address, tok.Address)
			assert.True(t, at.Equal(tok.IssuedAt))
		})
	}
}

func TestFormatToken_PlainInputsKeepSimpleFormat(t *testing.T) {
	s := FormatToken("c-1", "a@example.com", time.UnixMilli(42))
	assert.Equal(t, "c-1_a@example.com_42", s)
}

func TestFormatToken_EscapesDelimiter(t *testing.T) {
	s := FormatToken("c-1", "first_last@example.com", time.UnixMilli(42))
	assert.Equal(t, 3, len(strings.Split(s, "_")))
	assert.Contains(t, s, "first%5Flast@example.com")
}

func TestParseToken_Malformed(t *testing.T) {
	for _, s := range []string{
		"",
		"only-one",
		"a_b",
		"a_b_c_d",
		"_a@example.com_1",
		"c-1__1",
		"c-1_bad%zz@example.com_1",
		"c-1_trail%5_1",
	} {
		_, err := ParseToken(s)
		assert.ErrorIs(t, err, ErrMalformedToken, s)
	}
}

func TestParseToken_NonNumericTimestampIsTolerated(t *testing.T) {
	tok, err := ParseToken("c-1_a@example.com_abc")
	require.NoError(t, err)
	assert.Equal(t, "c-1", tok.CampaignID)
	assert.True(t, tok.IssuedAt.IsZero())
}
