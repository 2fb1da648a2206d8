package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

// Memory is an in-process store with the same conditional-update contract as the
// Postgres store. Every method holds one lock, so each is atomic.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	campaigns  map[int64]*campaign.Campaign
	recipients map[int64][]campaign.Recipient
	sequences  map[int64]*campaign.FollowUpSequence
	logs       map[string]*campaign.MessageLog
	byCampaign map[int64][]string
	events     []campaign.TrackingEvent
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:  make(map[int64]*campaign.Campaign),
		recipients: make(map[int64][]campaign.Recipient),
		sequences:  make(map[int64]*campaign.FollowUpSequence),
		logs:       make(map[string]*campaign.MessageLog),
		byCampaign: make(map[int64][]string),
		now:        time.Now,
	}
}

func (m *Memory) CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	c.Status = campaign.StatusDraft
	c.TotalRecipients = len(recipients)
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.campaigns[c.ID] = &cp
	m.recipients[c.ID] = append([]campaign.Recipient(nil), recipients...)
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, id int64) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return nil, campaign.ErrNotFound
	}
	return append([]campaign.Recipient(nil), m.recipients[campaignID]...), nil
}

func (m *Memory) GetRecipient(ctx context.Context, campaignID int64, position int) (campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.recipients[campaignID]
	if position < 0 || position >= len(recs) {
		return campaign.Recipient{}, campaign.ErrNotFound
	}
	return recs[position], nil
}

func (m *Memory) SaveFollowUpSequence(ctx context.Context, seq *campaign.FollowUpSequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[seq.CampaignID]; !ok {
		return campaign.ErrNotFound
	}
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	cp := *seq
	cp.Steps = append([]campaign.Step(nil), seq.Steps...)
	m.sequences[seq.CampaignID] = &cp
	return nil
}

func (m *Memory) GetFollowUpSequence(ctx context.Context, campaignID int64) (*campaign.FollowUpSequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[campaignID]
	if !ok {
		return nil, nil
	}
	cp := *seq
	return &cp, nil
}

func (m *Memory) TransitionCampaign(ctx context.Context, ch campaign.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[ch.CampaignID]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != ch.From {
		return campaign.ErrStatusConflict
	}
	c.Status = ch.To
	c.UpdatedAt = ch.At
	if ch.StartAt != nil {
		at := *ch.StartAt
		c.Strategy.StartAt = &at
	}
	m.insertLocked(ch.Materialize)
	switch ch.Skip {
	case campaign.SkipAll:
		m.skipLocked(ch.CampaignID, "", 0, ch.At)
	case campaign.SkipFollowUps:
		m.skipLocked(ch.CampaignID, "", 1, ch.At)
	}
	return nil
}

// InsertFollowUps stores rows PENDING while the campaign is in an allowed status and
// SKIPPED otherwise.
func (m *Memory) InsertFollowUps(ctx context.Context, campaignID int64, allowed []campaign.Status, logs []campaign.MessageLog) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return 0, false, campaign.ErrNotFound
	}
	if !statusIn(c.Status, allowed) {
		skipped := make([]campaign.MessageLog, len(logs))
		for i, l := range logs {
			l.Status = campaign.LogSkipped
			skipped[i] = l
		}
		return m.insertLocked(skipped), false, nil
	}
	return m.insertLocked(logs), true, nil
}

// insertLocked drops rows that would duplicate a live (campaign, email, step) row.
func (m *Memory) insertLocked(logs []campaign.MessageLog) int {
	n := 0
	for _, l := range logs {
		if l.Status == "" {
			l.Status = campaign.LogPending
		}
		if l.Status != campaign.LogSkipped && m.liveLocked(l.CampaignID, l.RecipientEmail, l.StepIndex) {
			continue
		}
		cp := l
		m.logs[l.ID] = &cp
		m.byCampaign[l.CampaignID] = append(m.byCampaign[l.CampaignID], l.ID)
		n++
	}
	return n
}

func (m *Memory) liveLocked(campaignID int64, email string, step int) bool {
	for _, id := range m.byCampaign[campaignID] {
		l := m.logs[id]
		if l.RecipientEmail == email && l.StepIndex == step && l.Status != campaign.LogSkipped {
			return true
		}
	}
	return false
}

func (m *Memory) GetMessageLog(ctx context.Context, id string) (*campaign.MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// ListMessageLogs returns every row of a campaign ordered by position then step.
func (m *Memory) ListMessageLogs(ctx context.Context, campaignID int64) ([]campaign.MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]campaign.MessageLog, 0, len(m.byCampaign[campaignID]))
	for _, id := range m.byCampaign[campaignID] {
		out = append(out, *m.logs[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

// ListSettledRunning returns RUNNING campaigns with no base send left to settle.
func (m *Memory) ListSettledRunning(ctx context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, c := range m.campaigns {
		if c.Status != campaign.StatusRunning || m.baseOpenLocked(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) baseOpenLocked(campaignID int64) bool {
	for _, id := range m.byCampaign[campaignID] {
		l := m.logs[id]
		if l.StepIndex == 0 && (l.Status == campaign.LogPending || l.Status == campaign.LogInProgress) {
			return true
		}
	}
	return false
}

// ListUnscheduledFollowUps returns SENT base rows whose campaign has a sequence but
// which have no follow-up rows yet.
func (m *Memory) ListUnscheduledFollowUps(ctx context.Context, sentBefore time.Time, limit int) ([]campaign.MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hasFollowUps := map[string]bool{}
	for _, l := range m.logs {
		if l.StepIndex > 0 {
			hasFollowUps[fmt.Sprintf("%d/%s", l.CampaignID, l.RecipientEmail)] = true
		}
	}
	var out []campaign.MessageLog
	for _, l := range m.logs {
		if l.StepIndex != 0 || l.Status != campaign.LogSent || l.SentAt == nil || !l.SentAt.Before(sentBefore) {
			continue
		}
		if seq := m.sequences[l.CampaignID]; seq == nil || len(seq.Steps) == 0 {
			continue
		}
		if hasFollowUps[fmt.Sprintf("%d/%s", l.CampaignID, l.RecipientEmail)] {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(*out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListDueMessageLogs(ctx context.Context, before time.Time, limit int) ([]campaign.MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.MessageLog
	for _, l := range m.logs {
		if l.Status != campaign.LogPending || l.DueAt().After(before) {
			continue
		}
		switch m.campaigns[l.CampaignID].Status {
		case campaign.StatusRunning, campaign.StatusScheduled, campaign.StatusCompleted:
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DueAt().Equal(b.DueAt()) {
			return a.DueAt().Before(b.DueAt())
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.StepIndex < b.StepIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimMessageLog(ctx context.Context, id string, allowed []campaign.Status, at time.Time) (*campaign.MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	if l.Status != campaign.LogPending || !statusIn(m.campaigns[l.CampaignID].Status, allowed) {
		return nil, campaign.ErrClaimConflict
	}
	l.Status = campaign.LogInProgress
	l.Attempts++
	claimed := at
	l.ClaimedAt = &claimed
	cp := *l
	return &cp, nil
}

func (m *Memory) CompleteMessageLog(ctx context.Context, id string, out campaign.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if l.Status != campaign.LogInProgress {
		return campaign.ErrClaimConflict
	}
	l.Status = out.Status
	l.ErrorClass = out.ErrorClass
	l.LastError = out.LastError
	l.ClaimedAt = nil
	switch out.Status {
	case campaign.LogSent:
		at := out.At
		l.SentAt = &at
		l.ReceiptID = out.ReceiptID
		l.TrackingPixelURL = out.TrackingPixelURL
		l.ClickTrackingBaseURL = out.ClickTrackingBaseURL
	case campaign.LogPending:
		l.NextAttemptAt = out.NextAttemptAt
	}
	return nil
}

func (m *Memory) SkipMessageLogs(ctx context.Context, campaignID int64, email string, fromStep int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipLocked(campaignID, email, fromStep, at), nil
}

// skipLocked marks PENDING rows at or after fromStep SKIPPED; empty email means all.
func (m *Memory) skipLocked(campaignID int64, email string, fromStep int, at time.Time) int {
	n := 0
	for _, id := range m.byCampaign[campaignID] {
		l := m.logs[id]
		if l.Status != campaign.LogPending || l.StepIndex < fromStep {
			continue
		}
		if email != "" && l.RecipientEmail != email {
			continue
		}
		l.Status = campaign.LogSkipped
		n++
	}
	return n
}

func (m *Memory) CountMessageLogs(ctx context.Context, campaignID int64) (campaign.LogCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := campaign.LogCounts{Base: map[campaign.LogStatus]int{}, FollowUp: map[campaign.LogStatus]int{}}
	for _, id := range m.byCampaign[campaignID] {
		l := m.logs[id]
		if l.StepIndex == 0 {
			counts.Base[l.Status]++
		} else {
			counts.FollowUp[l.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) RecordTrackingEvent(ctx context.Context, ev campaign.TrackingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[ev.MessageLogID]; !ok {
		return campaign.ErrNotFound
	}
	m.events = append(m.events, ev)
	return nil
}

// CountTrackingEvents counts distinct message logs with at least one open or click.
func (m *Memory) CountTrackingEvents(ctx context.Context, campaignID int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opened := map[string]struct{}{}
	clicked := map[string]struct{}{}
	for _, ev := range m.events {
		l := m.logs[ev.MessageLogID]
		if l == nil || l.CampaignID != campaignID {
			continue
		}
		switch ev.Kind {
		case campaign.TrackingOpen:
			opened[ev.MessageLogID] = struct{}{}
		case campaign.TrackingClick:
			clicked[ev.MessageLogID] = struct{}{}
		}
	}
	return len(opened), len(clicked), nil
}

func (m *Memory) FailStaleClaims(ctx context.Context, claimedBefore, at time.Time) ([]campaign.MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.MessageLog
	for _, l := range m.logs {
		if l.Status != campaign.LogInProgress || l.ClaimedAt == nil || !l.ClaimedAt.Before(claimedBefore) {
			continue
		}
		l.Status = campaign.LogFailed
		l.ErrorClass = campaign.ClassAbandoned
		l.LastError = "claim expired before completion"
		l.ClaimedAt = nil
		out = append(out, *l)
	}
	return out, nil
}

func statusIn(s campaign.Status, allowed []campaign.Status) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
