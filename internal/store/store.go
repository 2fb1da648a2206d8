package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

//go:embed schema.sql
var schema string

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// unavailable maps driver failures into the engine taxonomy. Domain sentinels pass.
func unavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return campaign.ErrNotFound
	case errors.Is(err, campaign.ErrStatusConflict), errors.Is(err, campaign.ErrClaimConflict),
		errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrStoreUnavailable):
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return campaign.ErrNotFound
	}
	return fmt.Errorf("%w: %w", campaign.ErrStoreUnavailable, err)
}

const insertCampaignSQL = `
	INSERT INTO campaigns (name,status,subject,body_html,delay_ms,track_opens,track_clicks,start_at,total_recipients)
	VALUES ($1,'draft',$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`

const insertRecipientSQL = `
	INSERT INTO recipients (campaign_id, position, email, fields)
	VALUES ($1,$2,$3,$4)`

func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		st := c.Strategy
		err := tx.QueryRowContext(ctx, insertCampaignSQL,
			c.Name, st.Template.Subject, st.Template.HTML, st.DelayBetweenEmails.Milliseconds(),
			st.Tracking.TrackOpens, st.Tracking.TrackClicks, nullTime(st.StartAt), len(recipients),
		).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return unavailable(err)
		}
		c.Status = campaign.StatusDraft
		c.TotalRecipients = len(recipients)

		for _, r := range recipients {
			fields, err := json.Marshal(r.Fields)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertRecipientSQL, c.ID, r.Position, r.Email, fields); err != nil {
				return unavailable(err)
			}
		}
		return nil
	})
}

const getCampaignSQL = `
	SELECT id, name, status, subject, body_html, delay_ms, track_opens, track_clicks,
	       start_at, total_recipients, created_at, updated_at
	FROM campaigns
	WHERE id = $1`

func (s *Store) GetCampaign(ctx context.Context, id int64) (*campaign.Campaign, error) {
	var (
		c       campaign.Campaign
		delayMs int64
		startAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, getCampaignSQL, id).Scan(
		&c.ID, &c.Name, &c.Status, &c.Strategy.Template.Subject, &c.Strategy.Template.HTML, &delayMs,
		&c.Strategy.Tracking.TrackOpens, &c.Strategy.Tracking.TrackClicks,
		&startAt, &c.TotalRecipients, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, unavailable(err)
	}
	c.Strategy.DelayBetweenEmails = time.Duration(delayMs) * time.Millisecond
	c.Strategy.StartAt = timePtr(startAt)
	return &c, nil
}

const listRecipientsSQL = `
	SELECT position, email, fields FROM recipients WHERE campaign_id = $1 ORDER BY position`

func (s *Store) ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error) {
	rows, err := s.DB.QueryContext(ctx, listRecipientsSQL, campaignID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []campaign.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

const getRecipientSQL = `
	SELECT position, email, fields FROM recipients WHERE campaign_id = $1 AND position = $2`

func (s *Store) GetRecipient(ctx context.Context, campaignID int64, position int) (campaign.Recipient, error) {
	return scanRecipient(s.DB.QueryRowContext(ctx, getRecipientSQL, campaignID, position))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecipient(sc scanner) (campaign.Recipient, error) {
	var (
		r      campaign.Recipient
		fields []byte
	)
	if err := sc.Scan(&r.Position, &r.Email, &fields); err != nil {
		return campaign.Recipient{}, unavailable(err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return campaign.Recipient{}, err
		}
	}
	return r, nil
}

const saveSequenceSQL = `
	INSERT INTO follow_up_sequences (id, campaign_id, steps)
	VALUES ($1,$2,$3)
	ON CONFLICT (campaign_id) DO UPDATE SET steps = EXCLUDED.steps
	RETURNING id`

func (s *Store) SaveFollowUpSequence(ctx context.Context, seq *campaign.FollowUpSequence) error {
	steps, err := json.Marshal(seq.Steps)
	if err != nil {
		return err
	}
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	if err := s.DB.QueryRowContext(ctx, saveSequenceSQL, seq.ID, seq.CampaignID, steps).Scan(&seq.ID); err != nil {
		return unavailable(err)
	}
	return nil
}

const getSequenceSQL = `SELECT id, steps FROM follow_up_sequences WHERE campaign_id = $1`

func (s *Store) GetFollowUpSequence(ctx context.Context, campaignID int64) (*campaign.FollowUpSequence, error) {
	seq := &campaign.FollowUpSequence{CampaignID: campaignID}
	var steps []byte
	err := s.DB.QueryRowContext(ctx, getSequenceSQL, campaignID).Scan(&seq.ID, &steps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if err := json.Unmarshal(steps, &seq.Steps); err != nil {
		return nil, err
	}
	return seq, nil
}

const casStatusSQL = `
	UPDATE campaigns
	   SET status=$1, start_at=COALESCE($2, start_at), updated_at=$3
	 WHERE id=$4 AND status=$5`

const skipPendingSQL = `
	UPDATE message_logs
	   SET status='skipped', updated_at=$1
	 WHERE campaign_id=$2 AND status='pending' AND step_index >= $3 AND ($4 = '' OR recipient_email = $4)`

// TransitionCampaign applies a status compare-and-set with its materialized rows and
// skip sweep in one transaction.
func (s *Store) TransitionCampaign(ctx context.Context, ch campaign.StatusChange) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, casStatusSQL, string(ch.To), nullTime(ch.StartAt), ch.At, ch.CampaignID, string(ch.From))
		if err != nil {
			return unavailable(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable(err)
		}
		if n == 0 {
			return campaign.ErrStatusConflict
		}
		if _, err := insertLogs(ctx, tx, ch.Materialize, campaign.LogPending); err != nil {
			return err
		}
		switch ch.Skip {
		case campaign.SkipAll:
			_, err = tx.ExecContext(ctx, skipPendingSQL, ch.At, ch.CampaignID, 0, "")
		case campaign.SkipFollowUps:
			_, err = tx.ExecContext(ctx, skipPendingSQL, ch.At, ch.CampaignID, 1, "")
		}
		return unavailable(err)
	})
}

const insertLogSQL = `
	INSERT INTO message_logs (id, campaign_id, recipient_email, position, step_index, scheduled_at, anchor_at, status)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (campaign_id, recipient_email, step_index) WHERE status <> 'skipped' DO NOTHING`

func insertLogs(ctx context.Context, tx *sql.Tx, logs []campaign.MessageLog, status campaign.LogStatus) (int, error) {
	inserted := 0
	for _, l := range logs {
		res, err := tx.ExecContext(ctx, insertLogSQL,
			l.ID, l.CampaignID, l.RecipientEmail, l.Position, l.StepIndex, l.ScheduledAt, nullTime(l.AnchorAt), string(status))
		if err != nil {
			return inserted, unavailable(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// lockStatusSQL holds the campaign row against concurrent status changes until the
// transaction ends.
const lockStatusSQL = `SELECT status FROM campaigns WHERE id = $1 FOR SHARE`

// InsertFollowUps stores follow-up rows PENDING while the campaign is in an allowed
// status, and SKIPPED otherwise. A status change cannot commit in between, so a
// pause or cancel sweep never misses rows inserted here.
func (s *Store) InsertFollowUps(ctx context.Context, campaignID int64, allowed []campaign.Status, logs []campaign.MessageLog) (int, bool, error) {
	var (
		n         int
		scheduled bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var st campaign.Status
		if err := tx.QueryRowContext(ctx, lockStatusSQL, campaignID).Scan(&st); err != nil {
			return unavailable(err)
		}
		status := campaign.LogSkipped
		if statusIn(st, allowed) {
			status, scheduled = campaign.LogPending, true
		}
		var err error
		n, err = insertLogs(ctx, tx, logs, status)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return n, scheduled, nil
}

const logCols = `id, campaign_id, recipient_email, position, step_index, scheduled_at, next_attempt_at,
	anchor_at, sent_at, claimed_at, status, attempts, error_class, last_error, receipt_id,
	tracking_pixel_url, click_tracking_base_url`

func scanLog(sc scanner) (*campaign.MessageLog, error) {
	var (
		l                               campaign.MessageLog
		next, anchor, sentAt, claimedAt sql.NullTime
	)
	err := sc.Scan(&l.ID, &l.CampaignID, &l.RecipientEmail, &l.Position, &l.StepIndex, &l.ScheduledAt,
		&next, &anchor, &sentAt, &claimedAt, &l.Status, &l.Attempts, &l.ErrorClass, &l.LastError,
		&l.ReceiptID, &l.TrackingPixelURL, &l.ClickTrackingBaseURL)
	if err != nil {
		return nil, err
	}
	l.NextAttemptAt = timePtr(next)
	l.AnchorAt = timePtr(anchor)
	l.SentAt = timePtr(sentAt)
	l.ClaimedAt = timePtr(claimedAt)
	return &l, nil
}

func (s *Store) GetMessageLog(ctx context.Context, id string) (*campaign.MessageLog, error) {
	l, err := scanLog(s.DB.QueryRowContext(ctx, `SELECT `+logCols+` FROM message_logs WHERE id = $1`, id))
	if err != nil {
		return nil, unavailable(err)
	}
	return l, nil
}

const listDueSQL = `
	SELECT ` + logCols + `
	FROM message_logs
	WHERE status = 'pending'
	  AND GREATEST(scheduled_at, COALESCE(next_attempt_at, scheduled_at)) <= $1
	  AND campaign_id IN (SELECT id FROM campaigns WHERE status IN ('running','scheduled','completed'))
	ORDER BY GREATEST(scheduled_at, COALESCE(next_attempt_at, scheduled_at)), position, step_index
	LIMIT $2`

func (s *Store) ListDueMessageLogs(ctx context.Context, before time.Time, limit int) ([]campaign.MessageLog, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx, listDueSQL, before, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectLogs(rows)
}

const listLogsSQL = `SELECT ` + logCols + ` FROM message_logs WHERE campaign_id = $1 ORDER BY position, step_index`

// ListMessageLogs returns every row of a campaign ordered by position then step.
func (s *Store) ListMessageLogs(ctx context.Context, campaignID int64) ([]campaign.MessageLog, error) {
	rows, err := s.DB.QueryContext(ctx, listLogsSQL, campaignID)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectLogs(rows)
}

const settledRunningSQL = `
	SELECT c.id FROM campaigns c
	WHERE c.status = 'running'
	  AND NOT EXISTS (SELECT 1 FROM message_logs m
	                  WHERE m.campaign_id = c.id AND m.step_index = 0 AND m.status IN ('pending','in_progress'))
	ORDER BY c.id
	LIMIT $1`

// ListSettledRunning returns RUNNING campaigns with no base send left to settle.
func (s *Store) ListSettledRunning(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, settledRunningSQL, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	return ids, unavailable(rows.Err())
}

var unscheduledSQL = `
	SELECT ` + qualify("m", logCols) + `
	FROM message_logs m
	JOIN follow_up_sequences f ON f.campaign_id = m.campaign_id AND jsonb_array_length(f.steps) > 0
	WHERE m.step_index = 0 AND m.status = 'sent' AND m.sent_at < $1
	  AND NOT EXISTS (SELECT 1 FROM message_logs n
	                  WHERE n.campaign_id = m.campaign_id AND n.recipient_email = m.recipient_email AND n.step_index > 0)
	ORDER BY m.sent_at
	LIMIT $2`

// ListUnscheduledFollowUps returns SENT base rows whose campaign has a sequence but
// which have no follow-up rows yet.
func (s *Store) ListUnscheduledFollowUps(ctx context.Context, sentBefore time.Time, limit int) ([]campaign.MessageLog, error) {
	rows, err := s.DB.QueryContext(ctx, unscheduledSQL, sentBefore, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectLogs(rows)
}

func collectLogs(rows *sql.Rows) ([]campaign.MessageLog, error) {
	defer rows.Close()
	var out []campaign.MessageLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, *l)
	}
	return out, unavailable(rows.Err())
}

// qualify prefixes every column of a comma separated list with alias.
func qualify(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// claimSQL moves one row PENDING→IN_PROGRESS only while its campaign is in an
// allowed status, so the status check and the claim are a single statement.
const claimSQL = `
	UPDATE message_logs
	   SET status='in_progress', attempts=attempts+1, claimed_at=$2, updated_at=$2
	 WHERE id=$1 AND status='pending'
	   AND EXISTS (SELECT 1 FROM campaigns c WHERE c.id = message_logs.campaign_id AND c.status = ANY($3))
	RETURNING ` + logCols

func (s *Store) ClaimMessageLog(ctx context.Context, id string, allowed []campaign.Status, at time.Time) (*campaign.MessageLog, error) {
	l, err := scanLog(s.DB.QueryRowContext(ctx, claimSQL, id, at, statusArray(allowed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrClaimConflict
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return l, nil
}

const completeSQL = `
	UPDATE message_logs
	   SET status=$2, sent_at=COALESCE($3, sent_at), next_attempt_at=COALESCE($4, next_attempt_at),
	       error_class=$5, last_error=$6, receipt_id=$7, tracking_pixel_url=$8,
	       click_tracking_base_url=$9, claimed_at=NULL, updated_at=$10
	 WHERE id=$1 AND status='in_progress'`

func (s *Store) CompleteMessageLog(ctx context.Context, id string, out campaign.Outcome) error {
	var sentAt *time.Time
	if out.Status == campaign.LogSent {
		sentAt = &out.At
	}
	res, err := s.DB.ExecContext(ctx, completeSQL, id, string(out.Status), nullTime(sentAt), nullTime(out.NextAttemptAt),
		string(out.ErrorClass), out.LastError, out.ReceiptID, out.TrackingPixelURL, out.ClickTrackingBaseURL, out.At)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return campaign.ErrClaimConflict
	}
	return nil
}

func (s *Store) SkipMessageLogs(ctx context.Context, campaignID int64, email string, fromStep int, at time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, skipPendingSQL, at, campaignID, fromStep, email)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	return int(n), unavailable(err)
}

const countLogsSQL = `
	SELECT step_index = 0 AS base, status, COUNT(*)
	FROM message_logs
	WHERE campaign_id = $1
	GROUP BY 1, 2`

func (s *Store) CountMessageLogs(ctx context.Context, campaignID int64) (campaign.LogCounts, error) {
	counts := campaign.LogCounts{Base: map[campaign.LogStatus]int{}, FollowUp: map[campaign.LogStatus]int{}}
	rows, err := s.DB.QueryContext(ctx, countLogsSQL, campaignID)
	if err != nil {
		return counts, unavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			base   bool
			status campaign.LogStatus
			n      int
		)
		if err := rows.Scan(&base, &status, &n); err != nil {
			return counts, unavailable(err)
		}
		if base {
			counts.Base[status] = n
		} else {
			counts.FollowUp[status] = n
		}
	}
	return counts, unavailable(rows.Err())
}

const countEventsSQL = `
	SELECT
	  COUNT(DISTINCT t.message_log_id) FILTER (WHERE t.kind='open')  AS opened,
	  COUNT(DISTINCT t.message_log_id) FILTER (WHERE t.kind='click') AS clicked
	FROM tracking_events t
	JOIN message_logs m ON m.id = t.message_log_id
	WHERE m.campaign_id = $1`

func (s *Store) CountTrackingEvents(ctx context.Context, campaignID int64) (int, int, error) {
	var opened, clicked int
	if err := s.DB.QueryRowContext(ctx, countEventsSQL, campaignID).Scan(&opened, &clicked); err != nil {
		return 0, 0, unavailable(err)
	}
	return opened, clicked, nil
}

const insertEventSQL = `
	INSERT INTO tracking_events (message_log_id, kind, url, created_at)
	VALUES ($1,$2,$3,$4)`

func (s *Store) RecordTrackingEvent(ctx context.Context, ev campaign.TrackingEvent) error {
	_, err := s.DB.ExecContext(ctx, insertEventSQL, ev.MessageLogID, string(ev.Kind), ev.URL, ev.At)
	return unavailable(err)
}

const failStaleSQL = `
	UPDATE message_logs
	   SET status='failed', error_class='abandoned', last_error='claim expired before completion',
	       claimed_at=NULL, updated_at=$2
	 WHERE status='in_progress' AND claimed_at < $1
	RETURNING ` + logCols

func (s *Store) FailStaleClaims(ctx context.Context, claimedBefore, at time.Time) ([]campaign.MessageLog, error) {
	rows, err := s.DB.QueryContext(ctx, failStaleSQL, claimedBefore, at)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectLogs(rows)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// statusArray encodes statuses as a Postgres text[] literal.
type statusArray []campaign.Status

func (a statusArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(string(v))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String(), nil
}
