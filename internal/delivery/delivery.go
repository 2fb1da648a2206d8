// Package delivery defines the mail transport the engine hands finished messages to.
package delivery

//go:generate mockgen -source=delivery.go -destination=mocks/transport.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error tags a transport failure. Untagged errors are treated as transient.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("delivery %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func TransientError(err error) error { return &Error{Kind: Transient, Err: err} }
func PermanentError(err error) error { return &Error{Kind: Permanent, Err: err} }

func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == Permanent
}

type Message struct {
	MessageLogID string
	CampaignID   int64
	To           string
	Subject      string
	HTML         string
}

type Receipt struct {
	ID         string
	AcceptedAt time.Time
}

type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}
