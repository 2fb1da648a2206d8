package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
)

// scheduleFollowUps materializes the follow-up steps for a recipient whose base send
// went out at sentAt. Once the campaign stopped running the rows are stored SKIPPED.
func (e *Engine) scheduleFollowUps(ctx context.Context, base *campaign.MessageLog, sentAt time.Time) {
	fields := []any{"campaign_id", base.CampaignID, "position", base.Position}
	seq, err := e.store.GetFollowUpSequence(ctx, base.CampaignID)
	if err != nil {
		e.log.Warnw("follow_up_sequence_error", append(fields, "error", err)...)
		return
	}
	if seq == nil || len(seq.Steps) == 0 {
		return
	}

	logs := campaign.ScheduleFollowUps(seq, *base, sentAt)
	n, scheduled, err := e.store.InsertFollowUps(ctx, base.CampaignID, campaign.ClaimableStatuses(1), logs)
	if err != nil {
		e.log.Errorw("follow_up_insert_error", append(fields, "error", err)...)
		return
	}
	if !scheduled {
		metrics.JobsSkipped.WithLabelValues("stopped").Add(float64(n))
		e.log.Infow("follow_ups_not_scheduled", append(fields, "skipped", n)...)
		return
	}
	horizon := e.now().Add(e.cfg.Lookahead)
	for _, l := range logs {
		if !l.DueAt().After(horizon) {
			e.queue.Push(itemFor(l))
		}
	}
	e.log.Infow("follow_ups_scheduled", append(fields, "steps", n)...)
}

// followUpStopped skips this and every later step of the recipient once they have
// engaged since the base send.
func (e *Engine) followUpStopped(ctx context.Context, l *campaign.MessageLog) (bool, error) {
	since := l.ScheduledAt
	if l.AnchorAt != nil {
		since = *l.AnchorAt
	}
	engaged, err := e.signals.HasEngaged(ctx, l.CampaignID, l.RecipientEmail, since)
	if err != nil || !engaged {
		return false, err
	}
	n, err := e.store.SkipMessageLogs(ctx, l.CampaignID, l.RecipientEmail, l.StepIndex, e.now())
	if err != nil {
		return true, err
	}
	metrics.JobsSkipped.WithLabelValues("engaged").Add(float64(n))
	e.log.Infow("follow_ups_stopped", "campaign_id", l.CampaignID, "position", l.Position, "from_step", l.StepIndex, "skipped", n)
	return true, nil
}

// RecordEngagement stores a reply or booking and skips the recipient's pending
// follow-up steps. It returns how many rows were skipped.
func (e *Engine) RecordEngagement(ctx context.Context, campaignID int64, email string, kind campaign.EngagementKind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: engagement kind %q", campaign.ErrInvalidCampaign, kind)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, fmt.Errorf("%w: email is required", campaign.ErrInvalidCampaign)
	}
	if _, err := e.store.GetCampaign(ctx, campaignID); err != nil {
		return 0, err
	}
	at := e.now()
	if err := e.signals.Record(ctx, campaignID, email, kind, at); err != nil {
		return 0, err
	}
	metrics.EngagementSignals.WithLabelValues(string(kind)).Inc()
	n, err := e.store.SkipMessageLogs(ctx, campaignID, email, 1, at)
	if err != nil {
		return 0, err
	}
	metrics.JobsSkipped.WithLabelValues("engaged").Add(float64(n))
	e.log.Infow("engagement_recorded", "campaign_id", campaignID, "kind", kind, "skipped", n)
	return n, nil
}

// ListMessageLogs returns every delivery row of a campaign.
func (e *Engine) ListMessageLogs(ctx context.Context, campaignID int64) ([]campaign.MessageLog, error) {
	if _, err := e.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return e.store.ListMessageLogs(ctx, campaignID)
}

// RecordTrackingEvent stores an open or click hit against a message log.
func (e *Engine) RecordTrackingEvent(ctx context.Context, messageLogID string, kind campaign.TrackingKind, target string) error {
	err := e.store.RecordTrackingEvent(ctx, campaign.TrackingEvent{
		MessageLogID: messageLogID,
		Kind:         kind,
		URL:          target,
		At:           e.now(),
	})
	if err != nil {
		return err
	}
	metrics.TrackingEventsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}
