package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/internal/delivery"
	"github.com/Mutter0815/campaign-engine/internal/queue"
	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
)

var errNoTemplate = errors.New("no template for step")

// execute runs one job: re-check, claim, compose, send, settle. Returning early
// without a claim leaves the row PENDING.
func (e *Engine) execute(ctx context.Context, it queue.Item) error {
	l, err := e.store.GetMessageLog(ctx, it.ID)
	if errors.Is(err, campaign.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Status != campaign.LogPending {
		return nil
	}
	now := e.now()
	if l.DueAt().After(now) {
		e.queue.Push(itemFor(*l))
		return nil
	}

	c, err := e.store.GetCampaign(ctx, l.CampaignID)
	if err != nil {
		return err
	}
	if c.Status == campaign.StatusScheduled {
		started, err := e.transition(ctx, c.ID, campaign.EventStart)
		if err != nil && !errors.Is(err, campaign.ErrInvalidTransition) {
			return err
		}
		if started != nil {
			c = started
		}
	}
	if !campaign.Executable(c.Status, l.StepIndex) {
		return nil
	}
	if l.StepIndex > 0 {
		stopped, err := e.followUpStopped(ctx, l)
		if err != nil || stopped {
			return err
		}
	}

	claimed, err := e.store.ClaimMessageLog(ctx, l.ID, campaign.ClaimableStatuses(l.StepIndex), now)
	if errors.Is(err, campaign.ErrClaimConflict) {
		metrics.ClaimConflicts.Inc()
		e.log.Debugw("claim_conflict", "message_log_id", l.ID, "campaign_id", l.CampaignID)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.JobsClaimed.Inc()

	// The row is ours now; shutdown must not strand it IN_PROGRESS.
	sctx := context.WithoutCancel(ctx)
	msg, urls, err := e.compose(sctx, c, claimed)
	if err != nil {
		return e.settleFailure(sctx, claimed, err)
	}
	sendCtx, cancel := context.WithTimeout(sctx, e.cfg.SendTimeout)
	rcpt, err := e.transport.Send(sendCtx, msg)
	cancel()
	if err != nil {
		return e.settleFailure(sctx, claimed, err)
	}
	return e.settleSent(sctx, claimed, rcpt, urls)
}

// compose renders the step template for the recipient and instruments it.
func (e *Engine) compose(ctx context.Context, c *campaign.Campaign, l *campaign.MessageLog) (delivery.Message, tracking.URLs, error) {
	var seq *campaign.FollowUpSequence
	if l.StepIndex > 0 {
		var err error
		if seq, err = e.store.GetFollowUpSequence(ctx, c.ID); err != nil {
			return delivery.Message{}, tracking.URLs{}, delivery.TransientError(err)
		}
	}
	tmpl, ok := campaign.StepTemplate(c, seq, l.StepIndex)
	if !ok {
		return delivery.Message{}, tracking.URLs{}, delivery.PermanentError(fmt.Errorf("%w %d", errNoTemplate, l.StepIndex))
	}
	rec, err := e.store.GetRecipient(ctx, c.ID, l.Position)
	if errors.Is(err, campaign.ErrNotFound) {
		rec = campaign.Recipient{Position: l.Position, Email: l.RecipientEmail}
	} else if err != nil {
		return delivery.Message{}, tracking.URLs{}, delivery.TransientError(err)
	}

	body, urls := e.injector.Inject(campaign.MergeHTML(tmpl.HTML, rec), tracking.PolicyFor(c.Strategy.Tracking, l.StepIndex), l.ID)
	return delivery.Message{
		MessageLogID: l.ID,
		CampaignID:   c.ID,
		To:           l.RecipientEmail,
		Subject:      campaign.Merge(tmpl.Subject, rec),
		HTML:         body,
	}, urls, nil
}

func (e *Engine) settleSent(ctx context.Context, l *campaign.MessageLog, rcpt delivery.Receipt, urls tracking.URLs) error {
	at := e.now()
	err := e.settle(ctx, l.ID, campaign.Outcome{
		Status:               campaign.LogSent,
		At:                   at,
		ReceiptID:            rcpt.ID,
		TrackingPixelURL:     urls.PixelURL,
		ClickTrackingBaseURL: urls.ClickBaseURL,
	})
	if err != nil {
		return err
	}
	metrics.JobsSent.WithLabelValues(strconv.Itoa(l.StepIndex)).Inc()
	e.log.Infow("message_sent", "message_log_id", l.ID, "campaign_id", l.CampaignID, "step", l.StepIndex, "attempt", l.Attempts)
	if l.StepIndex == 0 {
		e.scheduleFollowUps(ctx, l, at)
		e.checkCompletion(ctx, l.CampaignID)
	}
	return nil
}

// settleFailure re-queues a transient failure with backoff until MaxAttempts, and
// marks everything else FAILED.
func (e *Engine) settleFailure(ctx context.Context, l *campaign.MessageLog, cause error) error {
	now := e.now()
	fields := []any{"message_log_id", l.ID, "campaign_id", l.CampaignID, "step", l.StepIndex, "attempt", l.Attempts, "error", cause}
	permanent := delivery.IsPermanent(cause)
	if !permanent && l.Attempts < e.cfg.MaxAttempts {
		next := now.Add(e.retryDelay(l.Attempts))
		err := e.settle(ctx, l.ID, campaign.Outcome{
			Status:        campaign.LogPending,
			At:            now,
			NextAttemptAt: &next,
			ErrorClass:    campaign.ClassTransient,
			LastError:     cause.Error(),
		})
		if err != nil {
			return err
		}
		metrics.JobRetries.Inc()
		e.log.Infow("retry_scheduled", append(fields, "next_attempt_at", next)...)
		if !next.After(now.Add(e.cfg.Lookahead)) {
			retry := *l
			retry.NextAttemptAt = &next
			e.queue.Push(itemFor(retry))
		}
		return nil
	}

	class := campaign.ClassTransient
	if permanent {
		class = campaign.ClassPermanent
	}
	err := e.settle(ctx, l.ID, campaign.Outcome{
		Status:     campaign.LogFailed,
		At:         now,
		ErrorClass: class,
		LastError:  cause.Error(),
	})
	if err != nil {
		return err
	}
	metrics.JobsFailed.WithLabelValues(string(class)).Inc()
	e.log.Warnw("message_failed", append(fields, "class", class)...)
	if l.StepIndex == 0 {
		e.checkCompletion(ctx, l.CampaignID)
	}
	return nil
}

// retryDelay is BackoffBase doubled per completed attempt, capped at BackoffMax.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         e.cfg.BackoffMax,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// settle writes an outcome, retrying while the store is unreachable.
func (e *Engine) settle(ctx context.Context, id string, out campaign.Outcome) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.store.CompleteMessageLog(ctx, id, out)
		if err != nil && !errors.Is(err, campaign.ErrStoreUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(5),
	)
	return err
}
