package main

// LineRingEvent signals an incoming call ringing on a line.
type LineRingEvent struct {
	Line   int
	Caller string
}

// LineCallerIDEvent carries a late caller-ID update for a ringing line.
type LineCallerIDEvent struct {
	Line   int
	Caller string
}

// LineAnsweredEvent signals that the line leg went off-hook.
type LineAnsweredEvent struct {
	Line int
}

// LineEndedEvent signals that the line leg hung up or dropped.
type LineEndedEvent struct {
	Line  int
	Cause string
}

// watchdogEvent is posted by a session's setup timer; handled on the
// dispatcher loop so teardown never runs from the timer goroutine. It
// carries the session itself: by the time the event is picked up, the
// line may already belong to a newer call.
type watchdogEvent struct {
	s *CallSession
}

// dialEvent ends the grace period for a ringing line that has not
// received caller-ID yet; the dispatcher sends the INVITE on it.
type dialEvent struct {
	s *CallSession
}
