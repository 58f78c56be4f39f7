package logger

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// addressKeys are the field names dispatch code uses for recipient addresses.
var addressKeys = map[string]bool{"address": true, "email": true}

// inlineAddress finds addresses inside free text: provider error messages,
// session keys carrying an SMTP account, wrapped errors.
var inlineAddress = regexp.MustCompile(`[^\s<>"'@,;:()\[\]]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// MaskAddress keeps the first character of the local part and the domain,
// so "ada@Example.com" becomes "a***@example.com".
func MaskAddress(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" {
		return "***"
	}
	_, size := utf8.DecodeRuneInString(local)
	return local[:size] + "***@" + strings.ToLower(domain)
}

func redactField(key, val string) string {
	if addressKeys[strings.ToLower(key)] {
		return MaskAddress(val)
	}
	return inlineAddress.ReplaceAllStringFunc(val, MaskAddress)
}
