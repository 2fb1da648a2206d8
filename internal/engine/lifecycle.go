package engine

import (
	"context"
	"errors"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
)

const maxStatusCAS = 5

// CreateCampaign validates and stores a DRAFT campaign with its recipients.
func (e *Engine) CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) (*campaign.Campaign, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	recs, err := campaign.NormalizeRecipients(recipients)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateCampaign(ctx, c, recs); err != nil {
		return nil, err
	}
	e.log.Infow("campaign_created", "campaign_id", c.ID, "recipients", len(recs))
	return c, nil
}

// SetFollowUpSequence replaces the follow-up steps of a DRAFT campaign.
func (e *Engine) SetFollowUpSequence(ctx context.Context, campaignID int64, steps []campaign.Step) (*campaign.FollowUpSequence, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != campaign.StatusDraft {
		return nil, &campaign.TransitionError{From: c.Status, Event: campaign.EventEdit}
	}
	seq := &campaign.FollowUpSequence{CampaignID: campaignID, Steps: steps}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SaveFollowUpSequence(ctx, seq); err != nil {
		return nil, err
	}
	e.log.Infow("follow_up_sequence_saved", "campaign_id", campaignID, "steps", len(steps))
	return seq, nil
}

func (e *Engine) GetCampaign(ctx context.Context, id int64) (*campaign.Campaign, error) {
	return e.store.GetCampaign(ctx, id)
}

// LaunchCampaign materializes paced base sends. The campaign becomes SCHEDULED when
// StartAt is in the future, RUNNING otherwise.
func (e *Engine) LaunchCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return e.apply(ctx, id, campaign.EventLaunch)
}

// PauseCampaign stops future claims; base sends stay PENDING on their slots while
// pending follow-up steps are skipped.
func (e *Engine) PauseCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return e.apply(ctx, id, campaign.EventPause)
}

// ResumeCampaign releases PENDING rows; elapsed slots become due at once, in order.
func (e *Engine) ResumeCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	st, err := e.apply(ctx, id, campaign.EventResume)
	if err != nil {
		return st, err
	}
	// Sends claimed before the pause may have settled the campaign meanwhile.
	if e.checkCompletion(ctx, id) {
		return campaign.StatusCompleted, nil
	}
	return st, nil
}

// CancelCampaign is terminal; every PENDING row of the campaign becomes SKIPPED.
func (e *Engine) CancelCampaign(ctx context.Context, id int64) (campaign.Status, error) {
	return e.apply(ctx, id, campaign.EventCancel)
}

func (e *Engine) apply(ctx context.Context, id int64, ev campaign.Event) (campaign.Status, error) {
	c, err := e.transition(ctx, id, ev)
	if err != nil {
		if c != nil {
			return c.Status, err
		}
		return "", err
	}
	return c.Status, nil
}

// transition re-reads the campaign, resolves ev against the table and applies the
// change with a compare-and-set, retrying when another writer got there first.
func (e *Engine) transition(ctx context.Context, id int64, ev campaign.Event) (*campaign.Campaign, error) {
	for attempt := 0; attempt < maxStatusCAS; attempt++ {
		c, err := e.store.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		now := e.now()
		to, changed, err := campaign.Transition(c.Status, ev, c.Strategy.StartAt, now)
		if err != nil {
			return c, err
		}
		if !changed {
			return c, nil
		}

		ch := campaign.StatusChange{CampaignID: id, From: c.Status, To: to, At: now}
		ch.SideEffects(ev)
		if ev == campaign.EventLaunch {
			startAt := now
			if c.Strategy.StartAt != nil && c.Strategy.StartAt.After(now) {
				startAt = *c.Strategy.StartAt
			}
			recs, err := e.store.ListRecipients(ctx, id)
			if err != nil {
				return nil, err
			}
			ch.StartAt = &startAt
			ch.Materialize = campaign.PaceBaseSends(c, recs, startAt)
		}

		err = e.store.TransitionCampaign(ctx, ch)
		if errors.Is(err, campaign.ErrStatusConflict) {
			e.log.Debugw("campaign_transition_conflict", "campaign_id", id, "event", ev, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}

		c.Status = to
		if ch.StartAt != nil {
			c.Strategy.StartAt = ch.StartAt
		}
		metrics.CampaignTransitions.WithLabelValues(string(ev), string(to)).Inc()
		e.log.Infow("campaign_transition", "campaign_id", id, "event", ev, "from", ch.From, "to", to)
		switch ev {
		case campaign.EventCancel:
			e.queue.RemoveCampaign(id)
		case campaign.EventLaunch, campaign.EventResume:
			e.Kick()
		}
		return c, nil
	}
	return nil, campaign.ErrStatusConflict
}
