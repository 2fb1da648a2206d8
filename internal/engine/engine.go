// Package engine turns launched campaigns into paced, claimed, tracked deliveries and
// drives follow-up sequences until a recipient engages.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/internal/delivery"
	"github.com/Mutter0815/campaign-engine/internal/engagement"
	"github.com/Mutter0815/campaign-engine/internal/queue"
	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/logx"
)

// Store is the persistent state the engine shares with other processes. Conditional
// methods (TransitionCampaign, InsertFollowUps, ClaimMessageLog, CompleteMessageLog)
// must be atomic.
type Store interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) error
	GetCampaign(ctx context.Context, id int64) (*campaign.Campaign, error)
	ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error)
	GetRecipient(ctx context.Context, campaignID int64, position int) (campaign.Recipient, error)
	SaveFollowUpSequence(ctx context.Context, seq *campaign.FollowUpSequence) error
	GetFollowUpSequence(ctx context.Context, campaignID int64) (*campaign.FollowUpSequence, error)
	TransitionCampaign(ctx context.Context, ch campaign.StatusChange) error
	InsertFollowUps(ctx context.Context, campaignID int64, allowed []campaign.Status, logs []campaign.MessageLog) (inserted int, scheduled bool, err error)
	GetMessageLog(ctx context.Context, id string) (*campaign.MessageLog, error)
	ListMessageLogs(ctx context.Context, campaignID int64) ([]campaign.MessageLog, error)
	ListDueMessageLogs(ctx context.Context, before time.Time, limit int) ([]campaign.MessageLog, error)
	ClaimMessageLog(ctx context.Context, id string, allowed []campaign.Status, at time.Time) (*campaign.MessageLog, error)
	CompleteMessageLog(ctx context.Context, id string, out campaign.Outcome) error
	SkipMessageLogs(ctx context.Context, campaignID int64, email string, fromStep int, at time.Time) (int, error)
	CountMessageLogs(ctx context.Context, campaignID int64) (campaign.LogCounts, error)
	CountTrackingEvents(ctx context.Context, campaignID int64) (opened, clicked int, err error)
	RecordTrackingEvent(ctx context.Context, ev campaign.TrackingEvent) error
	FailStaleClaims(ctx context.Context, claimedBefore, at time.Time) ([]campaign.MessageLog, error)
	ListSettledRunning(ctx context.Context, limit int) ([]int64, error)
	ListUnscheduledFollowUps(ctx context.Context, sentBefore time.Time, limit int) ([]campaign.MessageLog, error)
}

// Signals answers and records reply/booking engagement.
type Signals interface {
	HasEngaged(ctx context.Context, campaignID int64, email string, since time.Time) (bool, error)
	Record(ctx context.Context, campaignID int64, email string, kind campaign.EngagementKind, at time.Time) error
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	// Lookahead loads rows due within this window so timers, not polls, release them.
	Lookahead    time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ClaimTimeout time.Duration
	SendTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      8,
		PollInterval: 2 * time.Second,
		Lookahead:    30 * time.Second,
		BatchSize:    1000,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		ClaimTimeout: 10 * time.Minute,
		SendTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase * 60
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

type Engine struct {
	store     Store
	transport delivery.Transport
	signals   Signals
	injector  *tracking.Injector
	cfg       Config
	queue     *queue.ReadyQueue
	kick      chan struct{}
	now       func() time.Time
	log       *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

func New(st Store, tr delivery.Transport, sig Signals, inj *tracking.Injector, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		transport: tr,
		signals:   sig,
		injector:  inj,
		cfg:       cfg.withDefaults(),
		queue:     queue.New(),
		kick:      make(chan struct{}, 1),
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
	if e.signals == nil {
		e.signals = engagement.NewMemory()
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logx.L()
	}
	return e
}

// Kick asks a running dispatcher to reload due rows from the store now.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}
