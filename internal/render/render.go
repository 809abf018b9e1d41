// Package render produces the subject and HTML body for one recipient of
// a campaign. Rendering is pure: no I/O, deterministic, and safe for
// concurrent use.
package render

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
)

// UnsubscribeMarker is replaced in the body with an unsubscribe anchor.
const UnsubscribeMarker = "[UNSUBSCRIBE]"

var tokenRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Renderer substitutes {{identifier}} tokens and wraps bodies in the
// standard responsive shell. UnsubscribeBaseURL is the configured host
// prefix, e.g. "https://mail.example.com".
type Renderer struct {
	UnsubscribeBaseURL string
}

// New creates a Renderer for the given unsubscribe host.
func New(unsubscribeBaseURL string) *Renderer {
	return &Renderer{UnsubscribeBaseURL: strings.TrimRight(unsubscribeBaseURL, "/")}
}

// Render returns (subject, htmlBody) for the template and recipient.
// Unknown tokens resolve to the empty string; malformed tokens are left
// untouched by the token regexp and pass through verbatim.
func (r *Renderer) Render(tpl *domain.Template, rcpt *domain.CampaignRecipient) (string, string) {
	unsubURL := r.UnsubscribeURL(rcpt.Email)

	resolve := func(name string) string {
		if v, ok := rcpt.Variables[name]; ok {
			return v
		}
		switch name {
		case "email":
			return rcpt.Email
		case "firstName":
			return rcpt.FirstName
		case "lastName":
			return rcpt.LastName
		case "fullName":
			return rcpt.FullName()
		case "unsubscribe_url":
			return unsubURL
		}
		return ""
	}

	subject := substitute(tpl.Subject, resolve)
	body := substitute(tpl.Body, resolve)

	body = strings.ReplaceAll(body, UnsubscribeMarker,
		`<a href="`+unsubURL+`">Unsubscribe</a>`)

	if !hasDocumentRoot(body) {
		body = wrapShell(body, unsubURL)
	}
	return subject, body
}

// UnsubscribeURL returns the deterministic per-recipient unsubscribe link.
func (r *Renderer) UnsubscribeURL(email string) string {
	return r.UnsubscribeBaseURL + "/unsubscribe?email=" + url.QueryEscape(email)
}

func substitute(text string, resolve func(string) string) string {
	return tokenRe.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-2]
		return resolve(name)
	})
}

func hasDocumentRoot(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype")
}

// wrapShell wraps a bare fragment in the fixed responsive envelope. The
// shell is byte-stable for identical inputs.
func wrapShell(body, unsubURL string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="margin:0;padding:0;background-color:#f4f4f4;">
<div style="max-width:600px;margin:0 auto;padding:20px;background-color:#ffffff;font-family:Arial,Helvetica,sans-serif;font-size:14px;line-height:1.6;color:#333333;">
`)
	b.WriteString(body)
	b.WriteString(`
</div>
<div style="max-width:600px;margin:0 auto;padding:12px 20px;text-align:center;font-family:Arial,Helvetica,sans-serif;font-size:11px;color:#999999;">
<a href="`)
	b.WriteString(unsubURL)
	b.WriteString(`" style="color:#999999;">Unsubscribe</a>
</div>
</body>
</html>`)
	return b.String()
}
