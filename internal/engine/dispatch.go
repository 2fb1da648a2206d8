package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/internal/queue"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
)

// Run dispatches due jobs to a fixed pool of workers until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	jobs := make(chan queue.Item)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for it := range jobs {
				e.process(gctx, it)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		return e.dispatch(gctx, jobs)
	})
	e.log.Infow("engine_started", "workers", e.cfg.Workers, "poll_interval", e.cfg.PollInterval.String())
	err := g.Wait()
	e.log.Infow("engine_stopped")
	return err
}

func (e *Engine) dispatch(ctx context.Context, jobs chan<- queue.Item) error {
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	e.reap(ctx)
	e.reconcile(ctx)
	e.refill(ctx)
	for {
		for _, it := range e.queue.PopDue(e.now(), 0) {
			e.markInflight(it.ID)
			select {
			case jobs <- it:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		metrics.ReadyQueueDepth.Set(float64(e.queue.Len()))

		wait := e.cfg.PollInterval
		if next, ok := e.queue.Next(); ok {
			if d := next.Sub(e.now()); d < wait {
				wait = max(d, 0)
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-e.queue.Wake():
		case <-e.kick:
			e.refill(ctx)
		case <-poll.C:
			e.reap(ctx)
			e.reconcile(ctx)
			e.refill(ctx)
		}
	}
}

// RunDue executes every job due at the current clock reading on the calling
// goroutine, in due order, and returns how many it processed.
func (e *Engine) RunDue(ctx context.Context) int {
	e.reap(ctx)
	e.reconcile(ctx)
	e.refill(ctx)
	n := 0
	for {
		due := e.queue.PopDue(e.now(), 0)
		if len(due) == 0 {
			return n
		}
		for _, it := range due {
			e.markInflight(it.ID)
			e.process(ctx, it)
			n++
		}
	}
}

// refill loads PENDING rows due within the lookahead window into the ready queue.
func (e *Engine) refill(ctx context.Context) {
	horizon := e.now().Add(e.cfg.Lookahead)
	logs, err := e.store.ListDueMessageLogs(ctx, horizon, e.cfg.BatchSize)
	if err != nil {
		e.log.Warnw("refill_error", "error", err)
		return
	}
	for _, l := range logs {
		if e.isInflight(l.ID) {
			continue
		}
		e.queue.Push(itemFor(l))
	}
}

// reap fails rows whose claim outlived ClaimTimeout; the executor holding them is
// presumed gone.
func (e *Engine) reap(ctx context.Context) {
	if e.cfg.ClaimTimeout <= 0 {
		return
	}
	now := e.now()
	logs, err := e.store.FailStaleClaims(ctx, now.Add(-e.cfg.ClaimTimeout), now)
	if err != nil {
		e.log.Warnw("reap_error", "error", err)
		return
	}
	touched := map[int64]struct{}{}
	for _, l := range logs {
		metrics.JobsFailed.WithLabelValues(string(campaign.ClassAbandoned)).Inc()
		e.log.Warnw("claim_abandoned", "message_log_id", l.ID, "campaign_id", l.CampaignID, "step", l.StepIndex)
		if l.StepIndex == 0 {
			touched[l.CampaignID] = struct{}{}
		}
	}
	for id := range touched {
		e.checkCompletion(ctx, id)
	}
}

// reconcile retries the completion check and follow-up scheduling that a store
// failure right after a base send left undone.
func (e *Engine) reconcile(ctx context.Context) {
	ids, err := e.store.ListSettledRunning(ctx, e.cfg.BatchSize)
	if err != nil {
		e.log.Warnw("reconcile_error", "error", err)
		return
	}
	for _, id := range ids {
		e.checkCompletion(ctx, id)
	}

	// Rows sent within the last poll interval are still being handled by their executor.
	bases, err := e.store.ListUnscheduledFollowUps(ctx, e.now().Add(-e.cfg.PollInterval), e.cfg.BatchSize)
	if err != nil {
		e.log.Warnw("reconcile_error", "error", err)
		return
	}
	for i := range bases {
		b := bases[i]
		if b.SentAt == nil {
			continue
		}
		e.log.Infow("follow_ups_recovered", "campaign_id", b.CampaignID, "position", b.Position)
		e.scheduleFollowUps(ctx, &b, *b.SentAt)
	}
}

func (e *Engine) process(ctx context.Context, it queue.Item) {
	start := time.Now()
	defer func() {
		e.clearInflight(it.ID)
		metrics.JobProcessDuration.Observe(time.Since(start).Seconds())
	}()
	if err := e.execute(ctx, it); err != nil {
		e.log.Warnw("job_error", "message_log_id", it.ID, "campaign_id", it.CampaignID, "step", it.StepIndex, "error", err)
	}
}

func (e *Engine) markInflight(id string) {
	e.mu.Lock()
	e.inflight[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) clearInflight(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) isInflight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func itemFor(l campaign.MessageLog) queue.Item {
	return queue.Item{
		ID:         l.ID,
		CampaignID: l.CampaignID,
		Position:   l.Position,
		StepIndex:  l.StepIndex,
		At:         l.DueAt(),
	}
}
