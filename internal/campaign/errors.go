package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrClaimConflict     = errors.New("message log already claimed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	// ErrStatusConflict means a compare-and-set on campaign status lost a race.
	ErrStatusConflict  = errors.New("campaign status changed concurrently")
	ErrNotFound        = errors.New("not found")
	ErrInvalidCampaign = errors.New("invalid campaign")
)

// TransitionError is returned when the current status does not permit an event.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s a %s campaign", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCampaign, fmt.Sprintf(format, args...))
}
