package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/internal/tracking"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeEngine struct {
	failCreate   error
	created      *campaign.Campaign
	recipientsN  int
	steps        []campaign.Step
	status       campaign.Status
	lifecycleErr error
	engagements  []string
	events       []campaign.TrackingEvent
	trackErr     error
}

func (f *fakeEngine) CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) (*campaign.Campaign, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	c.ID = 42
	c.Status = campaign.StatusDraft
	c.TotalRecipients = len(recipients)
	f.created = c
	f.recipientsN = len(recipients)
	return c, nil
}

func (f *fakeEngine) SetFollowUpSequence(ctx context.Context, id int64, steps []campaign.Step) (*campaign.FollowUpSequence, error) {
	seq := &campaign.FollowUpSequence{ID: "seq-1", CampaignID: id, Steps: steps}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	f.steps = steps
	return seq, nil
}

func (f *fakeEngine) GetCampaign(ctx context.Context, id int64) (*campaign.Campaign, error) {
	if id != 42 {
		return nil, campaign.ErrNotFound
	}
	return &campaign.Campaign{ID: 42, Name: "stub", Status: campaign.StatusRunning, TotalRecipients: 3,
		Strategy: campaign.Strategy{DelayBetweenEmails: 1500 * time.Millisecond}}, nil
}

func (f *fakeEngine) op(to campaign.Status) (campaign.Status, error) {
	if f.lifecycleErr != nil {
		return f.status, f.lifecycleErr
	}
	f.status = to
	return to, nil
}

func (f *fakeEngine) LaunchCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return f.op(campaign.StatusRunning)
}

func (f *fakeEngine) PauseCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return f.op(campaign.StatusPaused)
}

func (f *fakeEngine) ResumeCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return f.op(campaign.StatusRunning)
}

func (f *fakeEngine) CancelCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return f.op(campaign.StatusCancelled)
}

func (f *fakeEngine) GetProgress(ctx context.Context, id int64) (campaign.Progress, error) {
	return campaign.Progress{CampaignID: id, Status: campaign.StatusRunning, TotalRecipients: 3, Sent: 2, Failed: 1, Opened: 1}, nil
}

func (f *fakeEngine) ListMessageLogs(ctx context.Context, id int64) ([]campaign.MessageLog, error) {
	if id != 42 {
		return nil, campaign.ErrNotFound
	}
	sent := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return []campaign.MessageLog{
		{ID: "m1", CampaignID: 42, RecipientEmail: "a@example.com", Status: campaign.LogSent, SentAt: &sent},
		{ID: "m2", CampaignID: 42, RecipientEmail: "a@example.com", StepIndex: 1, Status: campaign.LogSkipped},
	}, nil
}

func (f *fakeEngine) RecordEngagement(ctx context.Context, id int64, email string, kind campaign.EngagementKind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: engagement kind %q", campaign.ErrInvalidCampaign, kind)
	}
	f.engagements = append(f.engagements, email)
	return 2, nil
}

func (f *fakeEngine) RecordTrackingEvent(ctx context.Context, id string, kind campaign.TrackingKind, target string) error {
	f.events = append(f.events, campaign.TrackingEvent{MessageLogID: id, Kind: kind, URL: target})
	return f.trackErr
}

var testLinks = tracking.NewLinks("https://t.example.com", "secret")

func serve(h *Handlers, method, path, body string) *httptest.ResponseRecorder {
	srv := NewHTTPServer(":0", h)
	rr := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestCreateCampaign_OK(t *testing.T) {
	fe := &fakeEngine{}
	h := NewHandlers(fe, testLinks)

	rr := serve(h, http.MethodPost, "/campaigns", `{
		"name":"Smoke",
		"subject":"Hi {{first_name}}",
		"html":"<p>Hello</p>",
		"delay_between_emails_ms":1000,
		"track_opens":true,
		"recipients":[{"email":"u1@example.com","fields":{"first_name":"U"}},{"email":"u2@example.com"}],
		"follow_ups":[{"offset_ms":3600000,"subject":"Re: Hi","html":"<p>ping</p>"}]
	}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	var resp CampaignResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 42 || resp.Status != campaign.StatusDraft || resp.FollowUpSteps != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fe.recipientsN != 2 {
		t.Fatalf("want 2 recipients, got %d", fe.recipientsN)
	}
	if fe.created.Strategy.DelayBetweenEmails != time.Second || !fe.created.Strategy.Tracking.TrackOpens {
		t.Fatalf("strategy not mapped: %+v", fe.created.Strategy)
	}
	if len(fe.steps) != 1 || fe.steps[0].OffsetDelay != time.Hour {
		t.Fatalf("follow-ups not mapped: %+v", fe.steps)
	}
}

func TestCreateCampaign_BadSequenceStoresNothing(t *testing.T) {
	fe := &fakeEngine{}
	rr := serve(NewHandlers(fe, testLinks), http.MethodPost, "/campaigns", `{
		"name":"X","subject":"S","html":"<p>x</p>",
		"recipients":[{"email":"u@example.com"}],
		"follow_ups":[{"offset_ms":0,"subject":"S","html":"<p>x</p>"}]
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if fe.created != nil {
		t.Fatal("campaign created despite invalid sequence")
	}
}

func TestCreateCampaign_ValidationError(t *testing.T) {
	fe := &fakeEngine{failCreate: fmt.Errorf("%w: name is required", campaign.ErrInvalidCampaign)}
	rr := serve(NewHandlers(fe, testLinks), http.MethodPost, "/campaigns", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = serve(NewHandlers(fe, testLinks), http.MethodPost, "/campaigns", `{"name":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rr.Code)
	}
}

func TestCreateCampaign_StoreUnavailable(t *testing.T) {
	fe := &fakeEngine{failCreate: fmt.Errorf("%w: dial tcp", campaign.ErrStoreUnavailable)}
	rr := serve(NewHandlers(fe, testLinks), http.MethodPost, "/campaigns", `{"name":"X"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestGetCampaign(t *testing.T) {
	h := NewHandlers(&fakeEngine{}, testLinks)

	rr := serve(h, http.MethodGet, "/campaigns/42", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	var resp CampaignResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DelayBetweenEmailsMs != 1500 {
		t.Fatalf("want delay 1500ms, got %d", resp.DelayBetweenEmailsMs)
	}

	if rr := serve(h, http.MethodGet, "/campaigns/7", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/campaigns/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	fe := &fakeEngine{}
	h := NewHandlers(fe, testLinks)

	cases := []struct {
		path string
		want campaign.Status
	}{
		{"/campaigns/42/launch", campaign.StatusRunning},
		{"/campaigns/42/pause", campaign.StatusPaused},
		{"/campaigns/42/resume", campaign.StatusRunning},
		{"/campaigns/42/cancel", campaign.StatusCancelled},
	}
	for _, tc := range cases {
		rr := serve(h, http.MethodPost, tc.path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", tc.path, rr.Code)
		}
		var resp StatusResp
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != tc.want {
			t.Fatalf("%s: want %s, got %s", tc.path, tc.want, resp.Status)
		}
	}
}

func TestLifecycle_InvalidTransitionIsConflict(t *testing.T) {
	fe := &fakeEngine{
		status:       campaign.StatusCancelled,
		lifecycleErr: &campaign.TransitionError{From: campaign.StatusCancelled, Event: campaign.EventResume},
	}
	rr := serve(NewHandlers(fe, testLinks), http.MethodPost, "/campaigns/42/resume", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestProgress(t *testing.T) {
	rr := serve(NewHandlers(&fakeEngine{}, testLinks), http.MethodGet, "/campaigns/42/progress", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var p campaign.Progress
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Sent != 2 || p.Failed != 1 || p.Opened != 1 {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestMessages(t *testing.T) {
	h := NewHandlers(&fakeEngine{}, testLinks)
	rr := serve(h, http.MethodGet, "/campaigns/42/messages", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body struct {
		CampaignID int64                 `json:"campaign_id"`
		Messages   []campaign.MessageLog `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.CampaignID != 42 || len(body.Messages) != 2 {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if body.Messages[1].StepIndex != 1 || body.Messages[1].Status != campaign.LogSkipped {
		t.Fatalf("unexpected follow-up row %+v", body.Messages[1])
	}

	if rr := serve(h, http.MethodGet, "/campaigns/7/messages", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/campaigns/x/messages", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

func TestRecordEngagement(t *testing.T) {
	fe := &fakeEngine{}
	h := NewHandlers(fe, testLinks)

	rr := serve(h, http.MethodPost, "/campaigns/42/engagements", `{"email":"u1@example.com","kind":"reply"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"skipped":2`) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/campaigns/42/engagements", `{"email":"u1@example.com","kind":"wave"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTrackOpen(t *testing.T) {
	fe := &fakeEngine{trackErr: campaign.ErrNotFound}
	rr := serve(NewHandlers(fe, testLinks), http.MethodGet, "/t/o/m1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/gif" {
		t.Fatalf("unexpected content type %s", ct)
	}
	if len(fe.events) != 1 || fe.events[0].Kind != campaign.TrackingOpen || fe.events[0].MessageLogID != "m1" {
		t.Fatalf("unexpected events %+v", fe.events)
	}
}

func TestTrackClick(t *testing.T) {
	fe := &fakeEngine{}
	h := NewHandlers(fe, testLinks)
	target := "https://example.com/demo?x=1"

	link := testLinks.ClickURL("m1", target)
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	rr := serve(h, http.MethodGet, u.RequestURI(), "")
	if rr.Code != http.StatusFound {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != target {
		t.Fatalf("want redirect to %s, got %s", target, loc)
	}
	if len(fe.events) != 1 || fe.events[0].URL != target {
		t.Fatalf("unexpected events %+v", fe.events)
	}

	tampered := "/t/c/m1?" + url.Values{"u": {"https://evil.example"}, "s": {u.Query().Get("s")}}.Encode()
	if rr := serve(h, http.MethodGet, tampered, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for tampered link, got %d", rr.Code)
	}
	if len(fe.events) != 1 {
		t.Fatal("tampered click recorded")
	}
}

func TestTrackClick_RejectsUnsignedTargets(t *testing.T) {
	unsigned := "/t/c/m1?" + url.Values{"u": {"https://evil.example"}}.Encode()
	cases := []struct {
		name  string
		links *tracking.Links
	}{
		{"keyed links", testLinks},
		{"links without a secret", tracking.NewLinks("https://t.example.com", "")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fe := &fakeEngine{}
			rr := serve(NewHandlers(fe, tc.links), http.MethodGet, unsigned, "")
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("want 400, got %d", rr.Code)
			}
			if loc := rr.Header().Get("Location"); loc != "" {
				t.Fatalf("redirected to %s", loc)
			}
			if len(fe.events) != 0 {
				t.Fatal("unsigned click recorded")
			}
		})
	}
}

func TestDocsEndpoints(t *testing.T) {
	h := NewHandlers(&fakeEngine{}, testLinks)
	srv := NewHTTPServer(":0", h)

	t.Run("html", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/docs", nil)

		srv.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "SwaggerUIBundle") {
			t.Fatalf("swagger bundle not rendered: %s", rr.Body.String())
		}
	})

	t.Run("openapi", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/docs/campaign-api/openapi.yaml", nil)

		srv.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "yaml") {
			t.Fatalf("unexpected content type: %s", ct)
		}
		if !strings.Contains(rr.Body.String(), "openapi: 3.0.3") {
			t.Fatalf("unexpected body: %s", rr.Body.String())
		}
	})
}

func TestRequestIDEchoed(t *testing.T) {
	h := NewHandlers(&fakeEngine{}, testLinks)
	srv := NewHTTPServer(":0", h)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	srv.Handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "rid-1" {
		t.Fatalf("want rid-1, got %q", got)
	}

	rr = serve(h, http.MethodGet, "/healthz", "")
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id not assigned")
	}
}
