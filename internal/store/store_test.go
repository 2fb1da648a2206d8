package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

var ts = time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func logRow(id, status string, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "campaign_id", "recipient_email", "position", "step_index", "scheduled_at",
		"next_attempt_at", "anchor_at", "sent_at", "claimed_at", "status", "attempts", "error_class", "last_error",
		"receipt_id", "tracking_pixel_url", "click_tracking_base_url"}).
		AddRow(id, int64(7), "a@x.com", 0, 0, ts, nil, nil, nil, ts, status, attempts, "", "", "", "", "")
}

func TestCreateCampaign_WithTx(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	c := &campaign.Campaign{Name: "n", Strategy: campaign.Strategy{
		DelayBetweenEmails: time.Second,
		Tracking:           campaign.Tracking{TrackOpens: true},
		Template:           campaign.Template{Subject: "Hi", HTML: "<p>x</p>"},
	}}
	recs := []campaign.Recipient{{Position: 0, Email: "a@x.com"}, {Position: 1, Email: "b@x.com"}}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(insertCampaignSQL)).
		WithArgs("n", "Hi", "<p>x</p>", int64(1000), true, false, nil, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, ts, ts))
	mock.ExpectExec(regexp.QuoteMeta(insertRecipientSQL)).
		WithArgs(int64(7), 0, "a@x.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertRecipientSQL)).
		WithArgs(int64(7), 1, "b@x.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CreateCampaign(ctx, c, recs); err != nil {
		t.Fatal(err)
	}
	if c.ID != 7 || c.Status != campaign.StatusDraft || c.TotalRecipients != 2 {
		t.Fatalf("unexpected campaign %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateCampaign_RollsBackOnError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(insertCampaignSQL)).WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	err := s.CreateCampaign(context.Background(), &campaign.Campaign{Name: "n"}, nil)
	if !errors.Is(err, campaign.ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetCampaign_Errors(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(getCampaignSQL)).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
	if _, err := s.GetCampaign(ctx, 9); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(getCampaignSQL)).WithArgs(int64(9)).WillReturnError(errors.New("timeout"))
	if _, err := s.GetCampaign(ctx, 9); !errors.Is(err, campaign.ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestGetCampaign_Decodes(t *testing.T) {
	s, mock := newMock(t)
	start := ts.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(getCampaignSQL)).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "subject", "body_html", "delay_ms",
			"track_opens", "track_clicks", "start_at", "total_recipients", "created_at", "updated_at"}).
			AddRow(7, "n", "scheduled", "Hi", "<p>x</p>", 1500, true, true, start, 3, ts, ts))

	c, err := s.GetCampaign(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != campaign.StatusScheduled || c.Strategy.DelayBetweenEmails != 1500*time.Millisecond {
		t.Fatalf("unexpected campaign %+v", c)
	}
	if c.Strategy.StartAt == nil || !c.Strategy.StartAt.Equal(start) {
		t.Fatalf("start_at not decoded: %v", c.Strategy.StartAt)
	}
}

func TestTransitionCampaign_Conflict(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(casStatusSQL)).
		WithArgs("paused", nil, ts, int64(7), "running").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.TransitionCampaign(context.Background(), campaign.StatusChange{
		CampaignID: 7, From: campaign.StatusRunning, To: campaign.StatusPaused, Skip: campaign.SkipFollowUps, At: ts,
	})
	if !errors.Is(err, campaign.ErrStatusConflict) {
		t.Fatalf("want ErrStatusConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionCampaign_LaunchMaterializes(t *testing.T) {
	s, mock := newMock(t)

	logs := []campaign.MessageLog{
		{ID: "m0", CampaignID: 7, RecipientEmail: "a@x.com", Position: 0, ScheduledAt: ts},
		{ID: "m1", CampaignID: 7, RecipientEmail: "b@x.com", Position: 1, ScheduledAt: ts.Add(time.Second)},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(casStatusSQL)).
		WithArgs("running", ts, ts, int64(7), "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, l := range logs {
		mock.ExpectExec(regexp.QuoteMeta(insertLogSQL)).
			WithArgs(l.ID, int64(7), l.RecipientEmail, l.Position, 0, l.ScheduledAt, nil, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	start := ts
	err := s.TransitionCampaign(context.Background(), campaign.StatusChange{
		CampaignID: 7, From: campaign.StatusDraft, To: campaign.StatusRunning, StartAt: &start, Materialize: logs, At: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionCampaign_CancelSkipsAll(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(casStatusSQL)).
		WithArgs("cancelled", nil, ts, int64(7), "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(skipPendingSQL)).
		WithArgs(ts, int64(7), 0, "").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	err := s.TransitionCampaign(context.Background(), campaign.StatusChange{
		CampaignID: 7, From: campaign.StatusRunning, To: campaign.StatusCancelled, Skip: campaign.SkipAll, At: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimMessageLog(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(claimSQL)).
		WithArgs("m1", ts, `{"running","completed"}`).
		WillReturnRows(logRow("m1", "in_progress", 1))
	l, err := s.ClaimMessageLog(ctx, "m1", campaign.ClaimableStatuses(1), ts)
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != campaign.LogInProgress || l.Attempts != 1 || l.ClaimedAt == nil {
		t.Fatalf("unexpected log %+v", l)
	}

	mock.ExpectQuery(regexp.QuoteMeta(claimSQL)).
		WithArgs("m1", ts, `{"running"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.ClaimMessageLog(ctx, "m1", campaign.ClaimableStatuses(0), ts); !errors.Is(err, campaign.ErrClaimConflict) {
		t.Fatalf("want ErrClaimConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteMessageLog(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	out := campaign.Outcome{Status: campaign.LogSent, At: ts, ReceiptID: "r1", TrackingPixelURL: "https://t/o/m1"}

	mock.ExpectExec(regexp.QuoteMeta(completeSQL)).
		WithArgs("m1", "sent", ts, nil, "", "", "r1", "https://t/o/m1", "", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.CompleteMessageLog(ctx, "m1", out); err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec(regexp.QuoteMeta(completeSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.CompleteMessageLog(ctx, "m1", out); !errors.Is(err, campaign.ErrClaimConflict) {
		t.Fatalf("want ErrClaimConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSkipMessageLogs(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(skipPendingSQL)).
		WithArgs(ts, int64(7), 1, "a@x.com").
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := s.SkipMessageLogs(context.Background(), 7, "a@x.com", 1, ts)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("want 2 skipped, got %d", n)
	}
}

func TestCountMessageLogs(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(countLogsSQL)).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"base", "status", "count"}).
			AddRow(true, "sent", 3).
			AddRow(true, "failed", 1).
			AddRow(false, "pending", 4))
	counts, err := s.CountMessageLogs(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Base[campaign.LogSent] != 3 || counts.Base[campaign.LogFailed] != 1 || counts.FollowUp[campaign.LogPending] != 4 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestGetFollowUpSequence_Absent(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(getSequenceSQL)).WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)
	seq, err := s.GetFollowUpSequence(context.Background(), 7)
	if err != nil || seq != nil {
		t.Fatalf("want nil, nil; got %v, %v", seq, err)
	}
}

func TestRecordTrackingEvent_UnknownLog(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).
		WithArgs("nope", "open", "", ts).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	err := s.RecordTrackingEvent(context.Background(), campaign.TrackingEvent{MessageLogID: "nope", Kind: campaign.TrackingOpen, At: ts})
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFailStaleClaims(t *testing.T) {
	s, mock := newMock(t)
	before := ts.Add(-10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(failStaleSQL)).WithArgs(before, ts).
		WillReturnRows(logRow("m1", "failed", 1))
	logs, err := s.FailStaleClaims(context.Background(), before, ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Status != campaign.LogFailed {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestClaimMessageLog_ConcurrentClaimants(t *testing.T) {
	s, mock := newMock(t)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(regexp.QuoteMeta(claimSQL)).
		WithArgs("m1", ts, `{"running"}`).
		WillReturnRows(logRow("m1", "in_progress", 1))
	mock.ExpectQuery(regexp.QuoteMeta(claimSQL)).
		WithArgs("m1", ts, `{"running"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ClaimMessageLog(context.Background(), "m1", campaign.ClaimableStatuses(0), ts)
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, campaign.ErrClaimConflict):
			lost++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("want one winner and one ErrClaimConflict, got won=%d lost=%d", won, lost)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func followUpRows() []campaign.MessageLog {
	anchor := ts
	return []campaign.MessageLog{
		{ID: "f1", CampaignID: 7, RecipientEmail: "a@x.com", StepIndex: 1, ScheduledAt: ts.Add(time.Hour), AnchorAt: &anchor},
		{ID: "f2", CampaignID: 7, RecipientEmail: "a@x.com", StepIndex: 2, ScheduledAt: ts.Add(2 * time.Hour), AnchorAt: &anchor},
	}
}

func TestInsertFollowUps_LocksCampaignRow(t *testing.T) {
	cases := []struct {
		name      string
		status    string
		rowStatus string
		scheduled bool
	}{
		{"running", "running", "pending", true},
		{"completed", "completed", "pending", true},
		{"cancelled", "cancelled", "skipped", false},
		{"paused", "paused", "skipped", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(lockStatusSQL)).WithArgs(int64(7)).
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tc.status))
			for _, l := range followUpRows() {
				mock.ExpectExec(regexp.QuoteMeta(insertLogSQL)).
					WithArgs(l.ID, int64(7), "a@x.com", 0, l.StepIndex, l.ScheduledAt, ts, tc.rowStatus).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}
			mock.ExpectCommit()

			n, scheduled, err := s.InsertFollowUps(context.Background(), 7, campaign.ClaimableStatuses(1), followUpRows())
			if err != nil {
				t.Fatal(err)
			}
			if n != 2 || scheduled != tc.scheduled {
				t.Fatalf("want n=2 scheduled=%v, got n=%d scheduled=%v", tc.scheduled, n, scheduled)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestInsertFollowUps_UnknownCampaign(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockStatusSQL)).WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if _, _, err := s.InsertFollowUps(context.Background(), 7, campaign.ClaimableStatuses(1), followUpRows()); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListSettledRunning(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(settledRunningSQL)).WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)).AddRow(int64(9)))
	ids, err := s.ListSettledRunning(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 9 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestListUnscheduledFollowUps(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(unscheduledSQL)).WithArgs(ts, 50).
		WillReturnRows(logRow("m1", "sent", 1))
	logs, err := s.ListUnscheduledFollowUps(context.Background(), ts, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Status != campaign.LogSent {
		t.Fatalf("unexpected logs %+v", logs)
	}

	mock.ExpectQuery(regexp.QuoteMeta(unscheduledSQL)).WillReturnError(errors.New("conn reset"))
	if _, err := s.ListUnscheduledFollowUps(context.Background(), ts, 50); !errors.Is(err, campaign.ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestQualify(t *testing.T) {
	if got := qualify("m", "id, campaign_id,\n\tstatus"); got != "m.id, m.campaign_id, m.status" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestListMessageLogs(t *testing.T) {
	s, mock := newMock(t)
	rows := logRow("m1", "sent", 1)
	mock.ExpectQuery(regexp.QuoteMeta(listLogsSQL)).WithArgs(int64(1)).WillReturnRows(rows)
	logs, err := s.ListMessageLogs(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].ID != "m1" {
		t.Fatalf("unexpected logs %+v", logs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
