// Package personalize renders per-recipient message content: literal
// {{key}} substitution, open-pixel and click instrumentation, and a plain-text
// fallback derived from the HTML body.
package personalize

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Content is the unrendered message: a stored template or a campaign's inline body.
type Content struct {
	Subject   string
	Body      string
	PlainText string
	IsHTML    bool
}

// Tracking instruments HTML output. Empty PixelURL disables the open pixel;
// nil ClickURL leaves links untouched. Links under BaseURL, the tracking
// edge itself, are never rewritten.
type Tracking struct {
	PixelURL string
	ClickURL func(link string) string
	BaseURL  string
}

// Result is the rendered message.
type Result struct {
	Subject   string
	Body      string
	PlainText string
}

// placeholderRe matches {{key}} where key is any brace-free text.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Substitute replaces every {{key}} with vars[key], or "" when absent. It is a
// single literal pass: substituted values are never evaluated again.
func Substitute(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := strings.TrimSpace(m[2 : len(m)-2])
		return vars[key]
	})
}

// Personalize renders c for one recipient.
func Personalize(c Content, vars map[string]string, t Tracking) Result {
	res := Result{
		Subject: Substitute(c.Subject, vars),
		Body:    Substitute(c.Body, vars),
	}

	switch {
	case c.PlainText != "":
		res.PlainText = Substitute(c.PlainText, vars)
	case c.IsHTML:
		res.PlainText = HTMLToText(res.Body)
	default:
		res.PlainText = res.Body
	}

	if c.IsHTML {
		if t.ClickURL != nil {
			res.Body = RewriteLinks(res.Body, t.BaseURL, t.ClickURL)
		}
		if t.PixelURL != "" {
			res.Body = InsertPixel(res.Body, t.PixelURL)
		}
	}
	return res
}

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// RewriteLinks replaces every absolute http(s) href with rewrite(link).
// Links under skipBase are kept; an empty skipBase rewrites everything.
func RewriteLinks(body, skipBase string, rewrite func(string) string) string {
	skipBase = strings.TrimRight(skipBase, "/")
	return linkRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		link := html.UnescapeString(parts[1])
		if skipBase != "" && (link == skipBase || strings.HasPrefix(link, skipBase+"/")) {
			return match
		}
		return fmt.Sprintf(`href="%s"`, html.EscapeString(rewrite(link)))
	})
}

// InsertPixel places a zero-size image before the closing body tag, or at the
// end when there is none.
func InsertPixel(body, pixelURL string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:0;height:0;border:0" />`, html.EscapeString(pixelURL))
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

// HTMLToText strips tags, drops script and style contents, decodes entities
// and collapses whitespace.
func HTMLToText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				skip++
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "td", "tr":
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
