package campaign

import (
	"time"

	"github.com/google/uuid"
)

// PaceBaseSends materializes one PENDING step-0 row per recipient. Row i is due at
// startAt + i*delay exactly; pacing is local to the campaign.
func PaceBaseSends(c *Campaign, recipients []Recipient, startAt time.Time) []MessageLog {
	delay := c.Strategy.DelayBetweenEmails
	logs := make([]MessageLog, 0, len(recipients))
	for i, r := range recipients {
		logs = append(logs, MessageLog{
			ID:             uuid.NewString(),
			CampaignID:     c.ID,
			RecipientEmail: r.Email,
			Position:       r.Position,
			StepIndex:      0,
			ScheduledAt:    startAt.Add(time.Duration(i) * delay),
			Status:         LogPending,
		})
	}
	return logs
}

// ScheduleFollowUps materializes the sequence for a recipient whose base send went out
// at sentAt. Step k is stored with StepIndex k+1.
func ScheduleFollowUps(seq *FollowUpSequence, base MessageLog, sentAt time.Time) []MessageLog {
	if seq == nil || len(seq.Steps) == 0 {
		return nil
	}
	anchor := sentAt
	logs := make([]MessageLog, 0, len(seq.Steps))
	for k, st := range seq.Steps {
		logs = append(logs, MessageLog{
			ID:             uuid.NewString(),
			CampaignID:     base.CampaignID,
			RecipientEmail: base.RecipientEmail,
			Position:       base.Position,
			StepIndex:      k + 1,
			ScheduledAt:    sentAt.Add(st.OffsetDelay),
			AnchorAt:       &anchor,
			Status:         LogPending,
		})
	}
	return logs
}

// StepTemplate returns the template a row renders with.
func StepTemplate(c *Campaign, seq *FollowUpSequence, stepIndex int) (Template, bool) {
	if stepIndex == 0 {
		return c.Strategy.Template, true
	}
	if seq == nil || stepIndex > len(seq.Steps) {
		return Template{}, false
	}
	return seq.Steps[stepIndex-1].Template, true
}
