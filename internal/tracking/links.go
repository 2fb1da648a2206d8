package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const (
	OpenPath  = "/t/o/"
	ClickPath = "/t/c/"
)

// Links builds the pixel and redirect URLs served by the tracking endpoint. When a
// secret is set, click URLs carry a signature binding the target to the message log.
type Links struct {
	base   string
	secret []byte
}

func NewLinks(baseURL, secret string) *Links {
	return &Links{base: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

func (l *Links) PixelURL(messageLogID string) string {
	return l.base + OpenPath + url.PathEscape(messageLogID)
}

func (l *Links) ClickBaseURL(messageLogID string) string {
	return l.base + ClickPath + url.PathEscape(messageLogID)
}

func (l *Links) ClickURL(messageLogID, target string) string {
	q := url.Values{}
	q.Set("u", target)
	if len(l.secret) > 0 {
		q.Set("s", l.Sign(messageLogID, target))
	}
	return l.ClickBaseURL(messageLogID) + "?" + q.Encode()
}

func (l *Links) Sign(messageLogID, target string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(messageLogID))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Verify checks a redirect request. Only signed http(s) targets pass, so Links
// built without a secret never redirect.
func (l *Links) Verify(messageLogID, target, sig string) bool {
	if len(l.secret) == 0 || sig == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return hmac.Equal([]byte(l.Sign(messageLogID, target)), []byte(sig))
}
