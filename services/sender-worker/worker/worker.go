// Package worker consumes engagement signals published by inbox and booking
// integrations and feeds them to the engine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
	"github.com/Mutter0815/campaign-engine/pkg/logx"
)

// Signal is the JSON body of one engagement queue message.
type Signal struct {
	CampaignID int64                   `json:"campaign_id"`
	Email      string                  `json:"email"`
	Kind       campaign.EngagementKind `json:"kind"`
}

type source interface {
	Consume() (<-chan amqp.Delivery, error)
}

type recorder interface {
	RecordEngagement(ctx context.Context, campaignID int64, email string, kind campaign.EngagementKind) (int, error)
}

type Worker struct {
	Engine recorder
	Cons   source
	Queue  string
}

func New(eng recorder, cons source, queue string) *Worker {
	return &Worker{Engine: eng, Cons: cons, Queue: queue}
}

func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.Cons.Consume()
	if err != nil {
		return err
	}
	logx.L().Infow("engagement_consumer_started", "queue", w.Queue)

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("engagement_consumer_stopping")
			return ctx.Err()

		case d, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed")
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var sig Signal
	if err := json.Unmarshal(d.Body, &sig); err != nil {
		logx.L().Warnw("signal_unmarshal_error", "error", err)
		_ = d.Ack(false)
		return
	}
	fields := []any{"campaign_id", sig.CampaignID, "email", strings.ToLower(sig.Email), "kind", sig.Kind}

	ctx1, cancel := context.WithTimeout(ctx, 5*time.Second)
	n, err := w.Engine.RecordEngagement(ctx1, sig.CampaignID, sig.Email, sig.Kind)
	cancel()
	switch {
	case err == nil:
		logx.L().Infow("engagement_recorded", append(fields, "skipped", n)...)
		_ = d.Ack(false)
	case errors.Is(err, campaign.ErrInvalidCampaign), errors.Is(err, campaign.ErrNotFound):
		logx.L().Warnw("engagement_dropped", append(fields, "error", err)...)
		_ = d.Ack(false)
	default:
		logx.L().Errorw("engagement_record_error", append(fields, "error", err)...)
		_ = d.Nack(false, true)
	}
}
