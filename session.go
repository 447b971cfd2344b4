package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"gsm2sip/media"
)

// Direction tells which leg originated a call.
type Direction int

const (
	InboundLine  Direction = iota // call arrived on the cellular line
	OutboundLine                  // PBX asked us to dial out on the line
)

func (d Direction) String() string {
	if d == InboundLine {
		return "INBOUND_LINE"
	}
	return "OUTBOUND_LINE"
}

// State is a session's lifecycle phase. ENDING is terminal.
type State string

const (
	StateIdle         State = "IDLE"
	StateLineRinging  State = "LINE_RINGING"
	StateSIPDialing   State = "SIP_DIALING"
	StateSIPRinging   State = "SIP_RINGING"
	StateSIPAnswered  State = "SIP_ANSWERED"
	StateLineAnswered State = "LINE_ANSWERED"
	StateBridged      State = "BRIDGED"
	StateEnding       State = "ENDING"
)

// ErrTransitionRejected reports a state change outside the transition
// table. The session state is unchanged; the call keeps going.
var ErrTransitionRejected = errors.New("transition rejected")

// End reasons recorded on teardown.
const (
	ReasonSetupTimeout = "SETUP_TIMEOUT"
	ReasonLineHangup   = "LINE_HANGUP"
	ReasonSIPHangup    = "SIP_HANGUP"
	ReasonSIPRejected  = "SIP_REJECTED"
	ReasonMediaFailure = "MEDIA_FAILURE"
	ReasonShutdown     = "SHUTDOWN"
)

// sessionEvents is the transition table. Each event is named after its
// target state; Src lists the states the move is legal from.
func sessionEvents() fsm.Events {
	return fsm.Events{
		{Name: string(StateLineRinging), Src: srcs(StateIdle, StateSIPRinging), Dst: string(StateLineRinging)},
		{Name: string(StateSIPDialing), Src: srcs(StateLineRinging), Dst: string(StateSIPDialing)},
		{Name: string(StateSIPRinging), Src: srcs(StateIdle, StateSIPDialing), Dst: string(StateSIPRinging)},
		{Name: string(StateSIPAnswered), Src: srcs(StateSIPDialing, StateSIPRinging, StateLineAnswered), Dst: string(StateSIPAnswered)},
		{Name: string(StateLineAnswered), Src: srcs(StateLineRinging, StateSIPRinging, StateSIPAnswered), Dst: string(StateLineAnswered)},
		{Name: string(StateBridged), Src: srcs(StateSIPAnswered, StateLineAnswered), Dst: string(StateBridged)},
		{Name: string(StateEnding), Src: srcs(StateIdle, StateLineRinging, StateSIPDialing,
			StateSIPRinging, StateSIPAnswered, StateLineAnswered, StateBridged), Dst: string(StateEnding)},
	}
}

func srcs(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// CallSession is the per-line call state. One mutex guards every field
// so correlated reads (the answered flags plus rtpActive) are a single
// snapshot. Blocking work never happens under the lock.
type CallSession struct {
	mu sync.Mutex

	lineID    int
	direction Direction
	caller    string
	callID    string
	startTime time.Time

	remoteRTPAddr string
	remoteRTPPort int

	lineAnswered bool
	sipAnswered  bool
	rtpActive    bool
	endReason    string

	machine  *fsm.FSM
	bridge   *media.Bridge
	watchdog *time.Timer
}

// NewCallSession creates a session in IDLE for the given line.
func NewCallSession(lineID int, direction Direction, caller string) *CallSession {
	return &CallSession{
		lineID:    lineID,
		direction: direction,
		caller:    caller,
		startTime: time.Now(),
		machine:   fsm.NewFSM(string(StateIdle), sessionEvents(), fsm.Callbacks{}),
	}
}

// SetState requests a transition. Re-requesting the current state is a
// no-op success; anything outside the table returns
// ErrTransitionRejected with the state unchanged.
func (s *CallSession) SetState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := State(s.machine.Current())
	if from == to {
		return nil
	}
	if err := s.machine.Event(context.Background(), string(to)); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, from, to)
	}
	return nil
}

// State returns the current phase.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.machine.Current())
}

// CanStartRTP is the single gate for starting media: both legs
// answered, media not yet running, session not ending. Evaluated as one
// atomic snapshot.
func (s *CallSession) CanStartRTP() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineAnswered && s.sipAnswered && !s.rtpActive &&
		State(s.machine.Current()) != StateEnding
}

// ForceEnd moves to ENDING unconditionally and records reason. It
// reports whether this call did the move; repeated calls are no-ops and
// the first reason wins.
func (s *CallSession) ForceEnd(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.machine.Current()) == StateEnding {
		return false
	}
	if err := s.machine.Event(context.Background(), string(StateEnding)); err != nil {
		// Every non-terminal state may end; nothing to do if it cannot.
		return false
	}
	s.endReason = reason
	return true
}

// MarkLineAnswered records the line leg picking up.
func (s *CallSession) MarkLineAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineAnswered = true
}

// MarkSIPAnswered records the SIP leg answering.
func (s *CallSession) MarkSIPAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sipAnswered = true
}

// MarkRTPActive records whether the bridge is running.
func (s *CallSession) MarkRTPActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtpActive = active
}

// LineAnswered reports whether the line leg has picked up.
func (s *CallSession) LineAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineAnswered
}

// SIPAnswered reports whether the SIP leg has answered.
func (s *CallSession) SIPAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sipAnswered
}

// UpdateCaller replaces the caller number when a better caller-ID
// arrives. Empty updates are ignored.
func (s *CallSession) UpdateCaller(number string) {
	if number == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caller = number
}

// SetRemoteRTP records the peer's media endpoint from SDP.
func (s *CallSession) SetRemoteRTP(addr string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteRTPAddr = addr
	s.remoteRTPPort = port
}

// RemoteRTP returns the peer's media endpoint.
func (s *CallSession) RemoteRTP() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteRTPAddr, s.remoteRTPPort
}

// SetCallID binds the session to its SIP dialog.
func (s *CallSession) SetCallID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = id
}

// SetBridge attaches the call's media bridge.
func (s *CallSession) SetBridge(b *media.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Bridge returns the attached media bridge, nil before SetBridge.
func (s *CallSession) Bridge() *media.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// ArmWatchdog schedules fire once after d. Re-arming is a no-op.
func (s *CallSession) ArmWatchdog(d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		return
	}
	s.watchdog = time.AfterFunc(d, fire)
}

// CancelWatchdog stops a pending watchdog, if any.
func (s *CallSession) CancelWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *CallSession) LineID() int          { return s.lineID }
func (s *CallSession) Direction() Direction { return s.direction }

// Caller returns the current caller number.
func (s *CallSession) Caller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller
}

// CallID returns the SIP dialog id, empty until bound.
func (s *CallSession) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// EndReason returns the recorded teardown reason.
func (s *CallSession) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Duration is the time since the session was created.
func (s *CallSession) Duration() time.Duration {
	return time.Since(s.startTime)
}
