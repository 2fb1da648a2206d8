package server

import (
	"time"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

type recipientReq struct {
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields"`
}

type stepReq struct {
	OffsetMs int64  `json:"offset_ms"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
}

type CreateCampaignReq struct {
	Name                 string         `json:"name"`
	Subject              string         `json:"subject"`
	HTML                 string         `json:"html"`
	DelayBetweenEmailsMs int64          `json:"delay_between_emails_ms"`
	TrackOpens           bool           `json:"track_opens"`
	TrackClicks          bool           `json:"track_clicks"`
	StartAt              *time.Time     `json:"start_at"`
	Recipients           []recipientReq `json:"recipients"`
	FollowUps            []stepReq      `json:"follow_ups"`
}

type FollowUpsReq struct {
	Steps []stepReq `json:"steps"`
}

type EngagementReq struct {
	Email string                  `json:"email"`
	Kind  campaign.EngagementKind `json:"kind"`
}

type CampaignResp struct {
	ID                   int64           `json:"id"`
	Name                 string          `json:"name"`
	Status               campaign.Status `json:"status"`
	Subject              string          `json:"subject"`
	DelayBetweenEmailsMs int64           `json:"delay_between_emails_ms"`
	TrackOpens           bool            `json:"track_opens"`
	TrackClicks          bool            `json:"track_clicks"`
	StartAt              *time.Time      `json:"start_at,omitempty"`
	TotalRecipients      int             `json:"total_recipients"`
	FollowUpSteps        int             `json:"follow_up_steps,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

type StatusResp struct {
	ID     int64           `json:"id"`
	Status campaign.Status `json:"status"`
}

func (r CreateCampaignReq) toDomain() (*campaign.Campaign, []campaign.Recipient, []campaign.Step) {
	c := &campaign.Campaign{
		Name: r.Name,
		Strategy: campaign.Strategy{
			DelayBetweenEmails: time.Duration(r.DelayBetweenEmailsMs) * time.Millisecond,
			Tracking:           campaign.Tracking{TrackOpens: r.TrackOpens, TrackClicks: r.TrackClicks},
			Template:           campaign.Template{Subject: r.Subject, HTML: r.HTML},
			StartAt:            r.StartAt,
		},
	}
	recs := make([]campaign.Recipient, 0, len(r.Recipients))
	for _, rr := range r.Recipients {
		recs = append(recs, campaign.Recipient{Email: rr.Email, Fields: rr.Fields})
	}
	return c, recs, toSteps(r.FollowUps)
}

func toSteps(in []stepReq) []campaign.Step {
	steps := make([]campaign.Step, 0, len(in))
	for _, s := range in {
		steps = append(steps, campaign.Step{
			OffsetDelay: time.Duration(s.OffsetMs) * time.Millisecond,
			Template:    campaign.Template{Subject: s.Subject, HTML: s.HTML},
		})
	}
	return steps
}

func campaignResp(c *campaign.Campaign) CampaignResp {
	return CampaignResp{
		ID:                   c.ID,
		Name:                 c.Name,
		Status:               c.Status,
		Subject:              c.Strategy.Template.Subject,
		DelayBetweenEmailsMs: c.Strategy.DelayBetweenEmails.Milliseconds(),
		TrackOpens:           c.Strategy.Tracking.TrackOpens,
		TrackClicks:          c.Strategy.Tracking.TrackClicks,
		StartAt:              c.Strategy.StartAt,
		TotalRecipients:      c.TotalRecipients,
		CreatedAt:            c.CreatedAt,
	}
}
