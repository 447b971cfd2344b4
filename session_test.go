package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateIdle, StateLineRinging, StateSIPDialing, StateSIPRinging,
	StateSIPAnswered, StateLineAnswered, StateBridged, StateEnding,
}

// statePaths drives a fresh session into each state via legal moves.
var statePaths = map[State][]State{
	StateIdle:         {},
	StateLineRinging:  {StateLineRinging},
	StateSIPDialing:   {StateLineRinging, StateSIPDialing},
	StateSIPRinging:   {StateSIPRinging},
	StateSIPAnswered:  {StateSIPRinging, StateSIPAnswered},
	StateLineAnswered: {StateLineRinging, StateLineAnswered},
	StateBridged:      {StateSIPRinging, StateSIPAnswered, StateBridged},
	StateEnding:       {StateEnding},
}

var allowedMoves = map[State][]State{
	StateIdle:         {StateLineRinging, StateSIPRinging, StateEnding},
	StateLineRinging:  {StateSIPDialing, StateLineAnswered, StateEnding},
	StateSIPDialing:   {StateSIPRinging, StateSIPAnswered, StateEnding},
	StateSIPRinging:   {StateSIPAnswered, StateLineRinging, StateLineAnswered, StateEnding},
	StateSIPAnswered:  {StateLineAnswered, StateBridged, StateEnding},
	StateLineAnswered: {StateSIPAnswered, StateBridged, StateEnding},
	StateBridged:      {StateEnding},
	StateEnding:       {},
}

func sessionIn(t *testing.T, state State) *CallSession {
	t.Helper()
	s := NewCallSession(1, InboundLine, "+15551234567")
	for _, step := range statePaths[state] {
		require.NoError(t, s.SetState(step))
	}
	require.Equal(t, state, s.State())
	return s
}

func TestTransitionTable(t *testing.T) {
	for from := range statePaths {
		allowed := make(map[State]bool)
		for _, to := range allowedMoves[from] {
			allowed[to] = true
		}

		for _, to := range allStates {
			s := sessionIn(t, from)
			err := s.SetState(to)

			if to == from || allowed[to] {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, s.State(), "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrTransitionRejected, "%s -> %s", from, to)
				assert.Equal(t, from, s.State(), "state changed on rejected %s -> %s", from, to)
			}
		}
	}
}

func TestEndingIsAbsorbing(t *testing.T) {
	s := sessionIn(t, StateEnding)

	for _, to := range allStates {
		err := s.SetState(to)
		if to == StateEnding {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
		assert.Equal(t, StateEnding, s.State())
	}

	assert.False(t, s.ForceEnd("later"))
}

func TestCanStartRTPGate(t *testing.T) {
	s := sessionIn(t, StateSIPAnswered)
	assert.False(t, s.CanStartRTP())

	s.MarkSIPAnswered()
	assert.False(t, s.CanStartRTP(), "one leg is not enough")

	s.MarkLineAnswered()
	assert.True(t, s.CanStartRTP())

	s.MarkRTPActive(true)
	assert.False(t, s.CanStartRTP(), "already active")

	s.MarkRTPActive(false)
	assert.True(t, s.CanStartRTP())
}

func TestCanStartRTPNeverAfterEnding(t *testing.T) {
	s := sessionIn(t, StateSIPAnswered)
	s.MarkLineAnswered()
	s.MarkSIPAnswered()
	require.True(t, s.CanStartRTP())

	require.True(t, s.ForceEnd(ReasonLineHangup))

	assert.False(t, s.CanStartRTP())
	s.MarkLineAnswered()
	s.MarkSIPAnswered()
	s.MarkRTPActive(false)
	assert.False(t, s.CanStartRTP())
}

func TestForceEndFirstReasonWins(t *testing.T) {
	s := sessionIn(t, StateBridged)

	assert.True(t, s.ForceEnd(ReasonSetupTimeout))
	assert.False(t, s.ForceEnd(ReasonSIPHangup))

	assert.Equal(t, StateEnding, s.State())
	assert.Equal(t, ReasonSetupTimeout, s.EndReason())
}

func TestUpdateCallerKeepsBestNumber(t *testing.T) {
	s := NewCallSession(2, InboundLine, "")

	s.UpdateCaller("")
	assert.Empty(t, s.Caller())

	s.UpdateCaller("+15551234567")
	assert.Equal(t, "+15551234567", s.Caller())

	s.UpdateCaller("")
	assert.Equal(t, "+15551234567", s.Caller())
}

func TestRemoteRTPRoundTrip(t *testing.T) {
	s := NewCallSession(1, OutboundLine, "8005551212")

	s.SetRemoteRTP("10.0.0.5", 10000)

	addr, port := s.RemoteRTP()
	assert.Equal(t, "10.0.0.5", addr)
	assert.Equal(t, 10000, port)
}

func TestWatchdogFiresOnce(t *testing.T) {
	s := NewCallSession(1, InboundLine, "")
	fired := make(chan string, 2)

	s.ArmWatchdog(20*time.Millisecond, func() { fired <- "first" })
	s.ArmWatchdog(20*time.Millisecond, func() { fired <- "second" })

	select {
	case who := <-fired:
		assert.Equal(t, "first", who)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}

	select {
	case <-fired:
		t.Fatal("re-arm scheduled a second watchdog")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchdogCancel(t *testing.T) {
	s := NewCallSession(1, InboundLine, "")
	fired := make(chan struct{}, 1)

	s.ArmWatchdog(50*time.Millisecond, func() { fired <- struct{}{} })
	s.CancelWatchdog()
	s.CancelWatchdog()

	select {
	case <-fired:
		t.Fatal("cancelled watchdog fired")
	case <-time.After(200 * time.Millisecond):
	}
}
