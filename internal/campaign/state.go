package campaign

import "time"

type Event string

const (
	EventLaunch   Event = "launch"
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventCancel   Event = "cancel"
	EventComplete Event = "complete"
	// EventEdit covers draft-only changes; it has no entry in the table.
	EventEdit Event = "edit"
)

// transitions lists, per event, which source states are allowed and where they lead.
// Launch from DRAFT is resolved by Transition since its target depends on StartAt.
var transitions = map[Event]map[Status]Status{
	EventLaunch:   {StatusDraft: StatusRunning},
	EventStart:    {StatusScheduled: StatusRunning},
	EventPause:    {StatusRunning: StatusPaused},
	EventResume:   {StatusPaused: StatusRunning},
	EventCancel:   {StatusRunning: StatusCancelled, StatusPaused: StatusCancelled, StatusScheduled: StatusCancelled},
	EventComplete: {StatusRunning: StatusCompleted},
}

// settled lists the states in which an event is already satisfied.
var settled = map[Event][]Status{
	EventLaunch:   {StatusScheduled, StatusRunning},
	EventStart:    {StatusRunning},
	EventPause:    {StatusPaused},
	EventResume:   {StatusRunning},
	EventCancel:   {StatusCancelled},
	EventComplete: {StatusCompleted},
}

// Transition resolves event ev against status from. It returns the target status and
// whether anything changes; an event whose target already holds is a no-op.
func Transition(from Status, ev Event, startAt *time.Time, now time.Time) (Status, bool, error) {
	for _, s := range settled[ev] {
		if s == from {
			return from, false, nil
		}
	}
	to, ok := transitions[ev][from]
	if !ok {
		return from, false, &TransitionError{From: from, Event: ev}
	}
	if ev == EventLaunch && startAt != nil && startAt.After(now) {
		to = StatusScheduled
	}
	return to, true, nil
}

// Executable reports whether a job at stepIndex may be claimed under campaign status s.
func Executable(s Status, stepIndex int) bool {
	if stepIndex == 0 {
		return s == StatusRunning
	}
	return s == StatusRunning || s == StatusCompleted
}

// ClaimableStatuses returns the campaign statuses under which a claim may succeed.
func ClaimableStatuses(stepIndex int) []Status {
	if stepIndex == 0 {
		return []Status{StatusRunning}
	}
	return []Status{StatusRunning, StatusCompleted}
}

// SkipScope selects which PENDING rows a status change marks SKIPPED.
type SkipScope int

const (
	SkipNone SkipScope = iota
	SkipFollowUps
	SkipAll
)

// StatusChange is applied by a store atomically: the status compare-and-set, the
// materialized rows and the skip sweep succeed or fail together.
type StatusChange struct {
	CampaignID  int64
	From        Status
	To          Status
	StartAt     *time.Time
	Materialize []MessageLog
	Skip        SkipScope
	At          time.Time
}

// SideEffects fills the skip scope an event implies.
func (c *StatusChange) SideEffects(ev Event) {
	switch ev {
	case EventCancel:
		c.Skip = SkipAll
	case EventPause:
		c.Skip = SkipFollowUps
	}
}
