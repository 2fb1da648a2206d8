package campaign

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type LogStatus string

const (
	LogPending    LogStatus = "pending"
	LogInProgress LogStatus = "in_progress"
	LogSent       LogStatus = "sent"
	LogFailed     LogStatus = "failed"
	LogSkipped    LogStatus = "skipped"
)

// ErrorClass records why a MessageLog ended FAILED.
type ErrorClass string

const (
	ClassNone      ErrorClass = ""
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassAbandoned ErrorClass = "abandoned"
)

type Template struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Tracking flags are plain booleans so that no absent value can reach the injector.
type Tracking struct {
	TrackOpens  bool `json:"track_opens"`
	TrackClicks bool `json:"track_clicks"`
}

type Strategy struct {
	DelayBetweenEmails time.Duration `json:"delay_between_emails"`
	Tracking           Tracking      `json:"tracking"`
	Template           Template      `json:"template"`
	StartAt            *time.Time    `json:"start_at,omitempty"`
}

type Recipient struct {
	Position int               `json:"position"`
	Email    string            `json:"email"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type Campaign struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Status          Status    `json:"status"`
	Strategy        Strategy  `json:"strategy"`
	TotalRecipients int       `json:"total_recipients"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type MessageLog struct {
	ID             string     `json:"id"`
	CampaignID     int64      `json:"campaign_id"`
	RecipientEmail string     `json:"recipient_email"`
	Position       int        `json:"position"`
	StepIndex      int        `json:"step_index"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	// AnchorAt is the base send time a follow-up step was scheduled from.
	AnchorAt             *time.Time `json:"anchor_at,omitempty"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	ClaimedAt            *time.Time `json:"claimed_at,omitempty"`
	Status               LogStatus  `json:"status"`
	Attempts             int        `json:"attempts"`
	ErrorClass           ErrorClass `json:"error_class,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	ReceiptID            string     `json:"receipt_id,omitempty"`
	TrackingPixelURL     string     `json:"tracking_pixel_url,omitempty"`
	ClickTrackingBaseURL string     `json:"click_tracking_base_url,omitempty"`
}

// DueAt is the earliest time the row may be claimed.
func (m MessageLog) DueAt() time.Time {
	if m.NextAttemptAt != nil && m.NextAttemptAt.After(m.ScheduledAt) {
		return *m.NextAttemptAt
	}
	return m.ScheduledAt
}

type Step struct {
	OffsetDelay time.Duration `json:"offset_delay"`
	Template    Template      `json:"template"`
}

type FollowUpSequence struct {
	ID         string `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	Steps      []Step `json:"steps"`
}

type EngagementKind string

const (
	EngagementReply   EngagementKind = "reply"
	EngagementBooking EngagementKind = "booking"
)

func (k EngagementKind) Valid() bool {
	return k == EngagementReply || k == EngagementBooking
}

type TrackingKind string

const (
	TrackingOpen  TrackingKind = "open"
	TrackingClick TrackingKind = "click"
)

type TrackingEvent struct {
	MessageLogID string       `json:"message_log_id"`
	Kind         TrackingKind `json:"kind"`
	URL          string       `json:"url,omitempty"`
	At           time.Time    `json:"at"`
}

// LogCounts splits MessageLog rows of one campaign by step kind and status.
type LogCounts struct {
	Base     map[LogStatus]int
	FollowUp map[LogStatus]int
}

type Progress struct {
	CampaignID       int64  `json:"campaign_id"`
	Status           Status `json:"status"`
	TotalRecipients  int    `json:"total_recipients"`
	Sent             int    `json:"sent"`
	Failed           int    `json:"failed"`
	Skipped          int    `json:"skipped"`
	Pending          int    `json:"pending"`
	Opened           int    `json:"opened"`
	Clicked          int    `json:"clicked"`
	FollowUpsSent    int    `json:"follow_ups_sent"`
	FollowUpsSkipped int    `json:"follow_ups_skipped"`
	FollowUpsPending int    `json:"follow_ups_pending"`
}

// Settled reports whether every base send reached SENT or FAILED.
func (p Progress) Settled() bool {
	return p.TotalRecipients > 0 && p.Sent+p.Failed >= p.TotalRecipients
}

// Outcome settles a claimed MessageLog: SENT, FAILED, or back to PENDING for a retry.
type Outcome struct {
	Status               LogStatus
	At                   time.Time
	NextAttemptAt        *time.Time
	ErrorClass           ErrorClass
	LastError            string
	ReceiptID            string
	TrackingPixelURL     string
	ClickTrackingBaseURL string
}
