package campaign

import (
	"html"
	"net/mail"
	"regexp"
	"strings"
)

// NormalizeRecipients trims and lowercases addresses, drops duplicates keeping the
// first occurrence and renumbers positions in list order.
func NormalizeRecipients(in []Recipient) ([]Recipient, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" {
			return nil, invalid("empty recipient address")
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, invalid("recipient %q: %v", email, err)
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, Recipient{Position: len(out), Email: email, Fields: r.Fields})
	}
	if len(out) == 0 {
		return nil, invalid("at least one recipient is required")
	}
	return out, nil
}

func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(c.Strategy.Template.Subject) == "" {
		return invalid("subject is required")
	}
	if strings.TrimSpace(c.Strategy.Template.HTML) == "" {
		return invalid("body is required")
	}
	if c.Strategy.DelayBetweenEmails < 0 {
		return invalid("delay between emails must not be negative")
	}
	return nil
}

// Validate requires strictly increasing positive offsets so that no step can fire
// before its predecessor.
func (s *FollowUpSequence) Validate() error {
	for k, st := range s.Steps {
		if st.OffsetDelay <= 0 {
			return invalid("step %d: offset must be positive", k+1)
		}
		if k > 0 && st.OffsetDelay <= s.Steps[k-1].OffsetDelay {
			return invalid("step %d: offset must exceed step %d", k+1, k)
		}
		if strings.TrimSpace(st.Template.Subject) == "" || strings.TrimSpace(st.Template.HTML) == "" {
			return invalid("step %d: subject and body are required", k+1)
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Merge replaces {{field}} placeholders with recipient values. Unknown fields are kept.
func Merge(text string, r Recipient) string {
	return merge(text, r, func(s string) string { return s })
}

// MergeHTML is Merge with values escaped for an HTML body.
func MergeHTML(text string, r Recipient) string {
	return merge(text, r, html.EscapeString)
}

func merge(text string, r Recipient, esc func(string) string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if key == "email" {
			return esc(r.Email)
		}
		if v, ok := r.Fields[key]; ok {
			return esc(v)
		}
		return m
	})
}
