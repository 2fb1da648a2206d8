package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/campaign-engine/docs"
	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/logx"
)

type engineAPI interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) (*campaign.Campaign, error)
	SetFollowUpSequence(ctx context.Context, campaignID int64, steps []campaign.Step) (*campaign.FollowUpSequence, error)
	GetCampaign(ctx context.Context, id int64) (*campaign.Campaign, error)
	LaunchCampaign(ctx context.Context, id int64) (campaign.Status, error)
	PauseCampaign(ctx context.Context, id int64) (campaign.Status, error)
	ResumeCampaign(ctx context.Context, id int64) (campaign.Status, error)
	CancelCampaign(ctx context.Context, id int64) (campaign.Status, error)
	GetProgress(ctx context.Context, campaignID int64) (campaign.Progress, error)
	ListMessageLogs(ctx context.Context, campaignID int64) ([]campaign.MessageLog, error)
	RecordEngagement(ctx context.Context, campaignID int64, email string, kind campaign.EngagementKind) (int, error)
	RecordTrackingEvent(ctx context.Context, messageLogID string, kind campaign.TrackingKind, target string) error
}

type Handlers struct {
	Engine engineAPI
	Links  *tracking.Links
}

func NewHandlers(eng engineAPI, links *tracking.Links) *Handlers {
	return &Handlers{Engine: eng, Links: links}
}

// pixel is a 1x1 transparent GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) OpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", docs.CampaignOpenAPI)
}

func (h *Handlers) SwaggerUI(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", docs.CampaignSwaggerHTML)
}

// writeError maps engine errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, campaign.ErrInvalidCampaign):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition), errors.Is(err, campaign.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, campaign.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logx.L().Errorw("request_error", "rid", c.GetString("request_id"), "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func campaignID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req CreateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	camp, recs, steps := req.toDomain()
	if len(steps) > 0 {
		// Reject a bad sequence before anything is stored.
		if err := (&campaign.FollowUpSequence{Steps: steps}).Validate(); err != nil {
			writeError(c, err)
			return
		}
	}
	created, err := h.Engine.CreateCampaign(ctx, camp, recs)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := campaignResp(created)
	if len(steps) > 0 {
		if _, err := h.Engine.SetFollowUpSequence(ctx, created.ID, steps); err != nil {
			writeError(c, err)
			return
		}
		resp.FollowUpSteps = len(steps)
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, err := h.Engine.GetCampaign(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaignResp(camp))
}

func (h *Handlers) SetFollowUps(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	var req FollowUpsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	seq, err := h.Engine.SetFollowUpSequence(ctx, id, toSteps(req.Steps))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": seq.ID, "campaign_id": id, "steps": len(seq.Steps)})
}

func (h *Handlers) lifecycle(op func(context.Context, int64) (campaign.Status, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := campaignID(c)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		st, err := op(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, StatusResp{ID: id, Status: st})
	}
}

func (h *Handlers) Launch(c *gin.Context) { h.lifecycle(h.Engine.LaunchCampaign)(c) }
func (h *Handlers) Pause(c *gin.Context)  { h.lifecycle(h.Engine.PauseCampaign)(c) }
func (h *Handlers) Resume(c *gin.Context) { h.lifecycle(h.Engine.ResumeCampaign)(c) }
func (h *Handlers) Cancel(c *gin.Context) { h.lifecycle(h.Engine.CancelCampaign)(c) }

func (h *Handlers) Progress(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Engine.GetProgress(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Messages lists every message log of a campaign, base sends and follow-up steps,
// ordered by recipient position.
func (h *Handlers) Messages(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	logs, err := h.Engine.ListMessageLogs(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "messages": logs})
}

func (h *Handlers) RecordEngagement(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	var req EngagementReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	n, err := h.Engine.RecordEngagement(ctx, id, req.Email, req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"skipped": n})
}

// TrackOpen answers with the pixel even when the event cannot be stored.
func (h *Handlers) TrackOpen(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.Engine.RecordTrackingEvent(ctx, id, campaign.TrackingOpen, ""); err != nil {
		logx.L().Warnw("track_open_error", "message_log_id", id, "error", err)
	}
	c.Header("Cache-Control", "no-store, max-age=0")
	c.Data(http.StatusOK, "image/gif", pixel)
}

func (h *Handlers) TrackClick(c *gin.Context) {
	id := c.Param("id")
	target := c.Query("u")
	if !h.Links.Verify(id, target, c.Query("s")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tracking link"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.Engine.RecordTrackingEvent(ctx, id, campaign.TrackingClick, target); err != nil {
		logx.L().Warnw("track_click_error", "message_log_id", id, "error", err)
	}
	c.Redirect(http.StatusFound, target)
}
