package dispatch

import (
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/personalize"
	"github.com/ignite/dispatch-engine/internal/tracking"
)

// contentFor picks the message source. A template supplies body and subject;
// the campaign's own subject wins when set.
func contentFor(c *domain.Campaign, t *domain.Template) personalize.Content {
	if t != nil {
		subject := t.Subject
		if c.Subject != "" {
			subject = c.Subject
		}
		return personalize.Content{Subject: subject, Body: t.Body, PlainText: t.PlainText, IsHTML: t.IsHTML}
	}
	if c.HTMLBody != "" {
		return personalize.Content{Subject: c.Subject, Body: c.HTMLBody, PlainText: c.TextBody, IsHTML: true}
	}
	return personalize.Content{Subject: c.Subject, Body: c.TextBody}
}

func (d *Dispatcher) message(p *pass, provider *domain.ProviderIdentity, r *domain.Recipient) *domain.EmailMessage {
	c := p.c
	var t personalize.Tracking
	if d.links != nil {
		token := tracking.FormatToken(c.ID, r.Address, d.now())
		t.BaseURL = d.links.BaseURL()
		if c.TrackOpens {
			t.PixelURL = d.links.OpenURL(token)
		}
		if c.TrackClicks {
			t.ClickURL = func(link string) string { return d.links.ClickURL(token, link) }
		}
	}

	res := personalize.Personalize(p.content, r.Variables, t)

	msg := &domain.EmailMessage{
		CampaignID:  c.ID,
		To:          r.Address,
		FromName:    firstNonEmpty(c.FromName, provider.FromName),
		FromEmail:   firstNonEmpty(c.FromEmail, provider.FromEmail),
		ReplyTo:     c.ReplyTo,
		Subject:     res.Subject,
		TextContent: res.PlainText,
		Headers:     map[string]string{"X-Campaign-ID": c.ID},
	}
	if p.content.IsHTML {
		msg.HTMLContent = res.Body
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
