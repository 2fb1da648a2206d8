package engine

import (
	"context"
	"errors"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

// GetProgress aggregates the campaign's message logs and tracking events.
func (e *Engine) GetProgress(ctx context.Context, campaignID int64) (campaign.Progress, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaign.Progress{}, err
	}
	counts, err := e.store.CountMessageLogs(ctx, campaignID)
	if err != nil {
		return campaign.Progress{}, err
	}
	opened, clicked, err := e.store.CountTrackingEvents(ctx, campaignID)
	if err != nil {
		return campaign.Progress{}, err
	}
	return buildProgress(c, counts, opened, clicked), nil
}

func buildProgress(c *campaign.Campaign, counts campaign.LogCounts, opened, clicked int) campaign.Progress {
	p := campaign.Progress{
		CampaignID:       c.ID,
		Status:           c.Status,
		TotalRecipients:  c.TotalRecipients,
		Sent:             counts.Base[campaign.LogSent],
		Failed:           counts.Base[campaign.LogFailed],
		Skipped:          counts.Base[campaign.LogSkipped],
		Opened:           opened,
		Clicked:          clicked,
		FollowUpsSent:    counts.FollowUp[campaign.LogSent],
		FollowUpsSkipped: counts.FollowUp[campaign.LogSkipped],
		FollowUpsPending: counts.FollowUp[campaign.LogPending] + counts.FollowUp[campaign.LogInProgress],
	}
	p.Pending = max(p.TotalRecipients-p.Sent-p.Failed-p.Skipped, 0)
	return p
}

// checkCompletion moves a RUNNING campaign to COMPLETED once every base send settled.
func (e *Engine) checkCompletion(ctx context.Context, campaignID int64) bool {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		e.log.Warnw("completion_check_error", "campaign_id", campaignID, "error", err)
		return false
	}
	if c.Status != campaign.StatusRunning {
		return c.Status == campaign.StatusCompleted
	}
	counts, err := e.store.CountMessageLogs(ctx, campaignID)
	if err != nil {
		e.log.Warnw("completion_check_error", "campaign_id", campaignID, "error", err)
		return false
	}
	if !buildProgress(c, counts, 0, 0).Settled() {
		return false
	}
	done, err := e.transition(ctx, campaignID, campaign.EventComplete)
	if err != nil {
		if !errors.Is(err, campaign.ErrInvalidTransition) {
			e.log.Warnw("completion_transition_error", "campaign_id", campaignID, "error", err)
		}
		return false
	}
	return done.Status == campaign.StatusCompleted
}
