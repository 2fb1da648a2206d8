package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// OutboundMail is the payload a mail relay consumes from the outbox queue.
type OutboundMail struct {
	MessageLogID string `json:"message_log_id"`
	CampaignID   int64  `json:"campaign_id"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	HTML         string `json:"html"`
}

type publisher interface {
	PublishJSON(ctx context.Context, body []byte, headers amqp.Table) error
}

// RMQTransport hands messages to a relay through a durable RabbitMQ queue. A confirmed
// publish counts as accepted.
type RMQTransport struct {
	pub publisher
	now func() time.Time
}

func NewRMQTransport(pub publisher) *RMQTransport {
	return &RMQTransport{pub: pub, now: time.Now}
}

func (t *RMQTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return Receipt{}, PermanentError(fmt.Errorf("invalid address %q: %w", msg.To, err))
	}
	body, err := json.Marshal(OutboundMail{
		MessageLogID: msg.MessageLogID,
		CampaignID:   msg.CampaignID,
		To:           msg.To,
		Subject:      msg.Subject,
		HTML:         msg.HTML,
	})
	if err != nil {
		return Receipt{}, PermanentError(err)
	}
	headers := amqp.Table{"x-message-log-id": msg.MessageLogID}
	if err := t.pub.PublishJSON(ctx, body, headers); err != nil {
		return Receipt{}, classify(err)
	}
	return Receipt{ID: msg.MessageLogID, AcceptedAt: t.now()}, nil
}

func classify(err error) error {
	var ae *amqp.Error
	if errors.As(err, &ae) && (ae.Code == amqp.AccessRefused || ae.Code == amqp.NotAllowed) {
		return PermanentError(err)
	}
	return TransientError(err)
}
