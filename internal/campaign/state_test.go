package campaign

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	now := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	cases := []struct {
		name    string
		from    Status
		ev      Event
		startAt *time.Time
		want    Status
		changed bool
		invalid bool
	}{
		{"launch now", StatusDraft, EventLaunch, nil, StatusRunning, true, false},
		{"launch later", StatusDraft, EventLaunch, &later, StatusScheduled, true, false},
		{"launch running is noop", StatusRunning, EventLaunch, nil, StatusRunning, false, false},
		{"launch paused", StatusPaused, EventLaunch, nil, StatusPaused, false, true},
		{"start scheduled", StatusScheduled, EventStart, nil, StatusRunning, true, false},
		{"pause running", StatusRunning, EventPause, nil, StatusPaused, true, false},
		{"pause paused is noop", StatusPaused, EventPause, nil, StatusPaused, false, false},
		{"pause scheduled", StatusScheduled, EventPause, nil, StatusScheduled, false, true},
		{"pause draft", StatusDraft, EventPause, nil, StatusDraft, false, true},
		{"resume paused", StatusPaused, EventResume, nil, StatusRunning, true, false},
		{"resume running is noop", StatusRunning, EventResume, nil, StatusRunning, false, false},
		{"cancel running", StatusRunning, EventCancel, nil, StatusCancelled, true, false},
		{"cancel paused", StatusPaused, EventCancel, nil, StatusCancelled, true, false},
		{"cancel scheduled", StatusScheduled, EventCancel, nil, StatusCancelled, true, false},
		{"cancel cancelled is noop", StatusCancelled, EventCancel, nil, StatusCancelled, false, false},
		{"cancel draft", StatusDraft, EventCancel, nil, StatusDraft, false, true},
		{"cancel completed", StatusCompleted, EventCancel, nil, StatusCompleted, false, true},
		{"complete running", StatusRunning, EventComplete, nil, StatusCompleted, true, false},
		{"resume completed", StatusCompleted, EventResume, nil, StatusCompleted, false, true},
		{"resume cancelled", StatusCancelled, EventResume, nil, StatusCancelled, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed, err := Transition(tc.from, tc.ev, tc.startAt, now)
			if tc.invalid {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tc.from, te.From)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.changed, changed)
		})
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	now := time.Now()
	for _, s := range []Status{StatusCancelled, StatusCompleted} {
		require.True(t, s.Terminal())
		for ev := range transitions {
			to, changed, _ := Transition(s, ev, nil, now)
			assert.False(t, changed, "%s via %s", s, ev)
			assert.Equal(t, s, to)
		}
	}
}

func TestExecutable(t *testing.T) {
	assert.True(t, Executable(StatusRunning, 0))
	assert.False(t, Executable(StatusCompleted, 0))
	assert.False(t, Executable(StatusPaused, 0))
	assert.True(t, Executable(StatusCompleted, 2))
	assert.False(t, Executable(StatusCancelled, 1))
	assert.False(t, Executable(StatusPaused, 1))
}
