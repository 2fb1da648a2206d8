// Package engagement records and answers recipient engagement signals (replies and
// meeting bookings) that stop follow-up sequences.
package engagement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

type key struct {
	campaignID int64
	email      string
}

// Memory keeps the latest signal time per kind in process. Signals are not shared
// across processes, so the services always run on Redis.
type Memory struct {
	mu      sync.RWMutex
	signals map[key]map[campaign.EngagementKind]time.Time
}

func NewMemory() *Memory {
	return &Memory{signals: make(map[key]map[campaign.EngagementKind]time.Time)}
}

func (m *Memory) Record(ctx context.Context, campaignID int64, email string, kind campaign.EngagementKind, at time.Time) error {
	k := key{campaignID, normalize(email)}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind, ok := m.signals[k]
	if !ok {
		byKind = make(map[campaign.EngagementKind]time.Time)
		m.signals[k] = byKind
	}
	if prev, ok := byKind[kind]; !ok || at.After(prev) {
		byKind[kind] = at
	}
	return nil
}

// HasEngaged reports whether any signal for the recipient is at or after since.
func (m *Memory) HasEngaged(ctx context.Context, campaignID int64, email string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, at := range m.signals[key{campaignID, normalize(email)}] {
		if !at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
