// Package tracking instruments outgoing HTML with an open pixel and click redirects.
package tracking

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

type Policy struct {
	TrackOpens  bool
	TrackClicks bool
}

// Off is the policy every follow-up step receives.
var Off = Policy{}

func (p Policy) Enabled() bool { return p.TrackOpens || p.TrackClicks }

// PolicyFor derives the policy for a row. Only base sends inherit campaign tracking.
func PolicyFor(t campaign.Tracking, stepIndex int) Policy {
	if stepIndex > 0 {
		return Off
	}
	return Policy{TrackOpens: t.TrackOpens, TrackClicks: t.TrackClicks}
}

// URLs holds the instrumentation endpoints built for one message log.
type URLs struct {
	PixelURL     string
	ClickBaseURL string
}

type Injector struct {
	links *Links
}

func NewInjector(links *Links) *Injector {
	return &Injector{links: links}
}

// Inject applies policy p to src for message log id. With tracking off the input is
// returned as is and no URL is built.
func (in *Injector) Inject(src string, p Policy, messageLogID string) (string, URLs) {
	if !p.Enabled() {
		return src, URLs{}
	}
	var urls URLs
	out := src
	if p.TrackClicks {
		urls.ClickBaseURL = in.links.ClickBaseURL(messageLogID)
		out = in.rewriteLinks(out, messageLogID, urls.ClickBaseURL)
	}
	if p.TrackOpens {
		urls.PixelURL = in.links.PixelURL(messageLogID)
		out = appendPixel(out, urls.PixelURL)
	}
	return out, urls
}

// rewriteLinks streams tokens, copying every raw token except <a> start tags whose
// href is an absolute http(s) URL.
func (in *Injector) rewriteLinks(src, id, clickBase string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b bytes.Buffer
	b.Grow(len(src) + 256)
	for {
		tt := z.Next()
		raw := append([]byte(nil), z.Raw()...)
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return src
			}
			b.Write(raw)
			return b.String()
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			b.Write(raw)
			continue
		}
		tok := z.Token()
		if tok.Data != "a" {
			b.Write(raw)
			continue
		}
		rewritten := false
		for i, a := range tok.Attr {
			if a.Namespace != "" || !strings.EqualFold(a.Key, "href") {
				continue
			}
			if !trackable(a.Val, clickBase) {
				break
			}
			tok.Attr[i].Val = in.links.ClickURL(id, a.Val)
			rewritten = true
			break
		}
		if !rewritten {
			b.Write(raw)
			continue
		}
		b.WriteString(tok.String())
	}
}

func trackable(href, clickBase string) bool {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, clickBase) {
		return false
	}
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func appendPixel(src, pixelURL string) string {
	img := `<img src="` + html.EscapeString(pixelURL) + `" width="1" height="1" alt="" style="display:none;border:0" />`
	if i := lastIndexFold(src, "</body>"); i >= 0 {
		return src[:i] + img + src[i:]
	}
	return src + img
}

// lastIndexFold is strings.LastIndex with ASCII case folding on the needle, keeping
// byte offsets into s intact.
func lastIndexFold(s, needle string) int {
	for i := len(s) - len(needle); i >= 0; i-- {
		if strings.EqualFold(s[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}
