package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gsm2sip/media"
	"gsm2sip/sip"
)

// LineController is the command side of the line leg. *LineBus is the
// production implementation; tests substitute an in-memory fake.
type LineController interface {
	PlaceCall(line int, number string) error
	Answer(line int) error
	Hangup(line int) error
	Events() <-chan interface{}
}

// callerIDWait delays the INVITE for a ringing line when the RING came
// without a number, giving the network's caller-ID time to arrive.
var callerIDWait = 2 * time.Second

// Gateway owns the per-line call sessions and drives the SIP client,
// the line bus and the media bridges from one dispatcher loop.
type Gateway struct {
	cfg    *Settings
	sipc   *sip.Client
	lines  LineController
	routes *RouteTable
	audio  func() media.AudioIO

	events chan interface{}
	done   chan struct{}

	mu       sync.Mutex
	sessions map[int]*CallSession
	byCall   map[string]int
}

// NewGateway creates a gateway; Start runs it.
func NewGateway(cfg *Settings, sipc *sip.Client, lines LineController, audio func() media.AudioIO) (*Gateway, error) {
	routes := NewRouteTable(cfg.InboundExtension())
	if err := routes.LoadPlan(cfg.DialPlan()); err != nil {
		return nil, fmt.Errorf("dial plan: %w", err)
	}
	return &Gateway{
		cfg:      cfg,
		sipc:     sipc,
		lines:    lines,
		routes:   routes,
		audio:    audio,
		events:   make(chan interface{}, 16),
		done:     make(chan struct{}),
		sessions: make(map[int]*CallSession),
		byCall:   make(map[string]int),
	}, nil
}

// Start dispatches line, SIP and timer events until ctx is canceled.
// All session bookkeeping happens on this goroutine.
func (g *Gateway) Start(ctx context.Context) error {
	defer close(g.done)
	coreLog.Infof("gateway up: %d lines, inbound extension %s",
		g.cfg.LineCount(), g.routes.InboundExtension())

	for {
		select {
		case ev := <-g.lines.Events():
			g.handleLineEvent(ev)
		case ev := <-g.sipc.Events():
			g.handleSIPEvent(ev)
		case ev := <-g.events:
			g.handleTimerEvent(ev)
		case <-ctx.Done():
			g.shutdown()
			return nil
		}
	}
}

func (g *Gateway) handleLineEvent(ev interface{}) {
	switch e := ev.(type) {
	case LineRingEvent:
		g.onLineRing(e)
	case LineCallerIDEvent:
		g.onCallerID(e)
	case LineAnsweredEvent:
		g.onLineAnswered(e)
	case LineEndedEvent:
		g.onLineEnded(e)
	default:
		coreLog.Debugf("unhandled line event: %#v", ev)
	}
}

func (g *Gateway) handleSIPEvent(ev interface{}) {
	switch e := ev.(type) {
	case sip.IncomingCallEvent:
		g.onInvite(e)
	case sip.ProgressEvent:
		g.onSIPProgress(e)
	case sip.AnsweredEvent:
		g.onSIPAnswered(e)
	case sip.FailedEvent:
		g.onSIPFailed(e)
	case sip.EndedEvent:
		g.onSIPEnded(e)
	case sip.CancelledEvent:
		g.onSIPCancelled(e)
	case sip.RegistrationEvent:
		if e.Registered {
			coreLog.Info("registered with PBX")
		} else {
			coreLog.Warn("PBX registration lost")
		}
	default:
		coreLog.Debugf("unhandled SIP event: %#v", ev)
	}
}

func (g *Gateway) handleTimerEvent(ev interface{}) {
	switch e := ev.(type) {
	case watchdogEvent:
		g.onWatchdog(e.s)
	case dialEvent:
		if g.sessionByLine(e.s.LineID()) == e.s && e.s.State() == StateLineRinging {
			g.sendInvite(e.s)
		}
	}
}

// onLineRing starts the line-originated flow: a session in
// LINE_RINGING, then an INVITE toward the PBX. When the ring carried no
// number yet, the INVITE waits briefly for a CALLERID datagram.
func (g *Gateway) onLineRing(e LineRingEvent) {
	if s := g.sessionByLine(e.Line); s != nil {
		coreLog.Warnf("line %d rang while busy (%s), ignoring", e.Line, s.State())
		return
	}

	s := NewCallSession(e.Line, InboundLine, e.Caller)
	if err := s.SetState(StateLineRinging); err != nil {
		coreLog.Warnf("line %d: %v", e.Line, err)
		return
	}
	g.addSession(s)
	metricActiveCalls.Inc()
	g.armWatchdog(s)

	if e.Caller != "" {
		g.sendInvite(s)
		return
	}
	time.AfterFunc(callerIDWait, func() { g.post(dialEvent{s: s}) })
}

func (g *Gateway) onCallerID(e LineCallerIDEvent) {
	s := g.sessionByLine(e.Line)
	if s == nil || s.Direction() != InboundLine {
		return
	}
	s.UpdateCaller(e.Caller)
	if s.State() == StateLineRinging {
		g.sendInvite(s)
	}
}

// sendInvite opens the call's media bridge (the offer needs its port)
// and dials the inbound extension on the PBX.
func (g *Gateway) sendInvite(s *CallSession) {
	b, port, err := g.openBridge(s.LineID())
	if err != nil {
		coreLog.Warnf("line %d: no RTP port: %v", s.LineID(), err)
		g.teardown(s, ReasonMediaFailure, true, false)
		return
	}
	s.SetBridge(b)

	callID, err := g.sipc.Invite(g.routes.InboundExtension(), s.Caller(), port)
	if err != nil {
		coreLog.Warnf("line %d: INVITE failed: %v", s.LineID(), err)
		g.teardown(s, ReasonSIPRejected, true, false)
		return
	}
	s.SetCallID(callID)
	g.indexCall(callID, s.LineID())
	if err := s.SetState(StateSIPDialing); err != nil {
		coreLog.Warnf("line %d: %v", s.LineID(), err)
	}
}

// onInvite starts the PBX-originated flow: pick a line for the dialed
// number, ring back, and tell the agent to dial out.
func (g *Gateway) onInvite(e sip.IncomingCallEvent) {
	line, ok := g.pickLine(e.Dialed)
	if !ok {
		coreLog.Warnf("no free line for call to %q from %q, rejecting", e.Dialed, e.Caller)
		g.sipc.Reject(e.CallID, 486, "Busy Here")
		return
	}

	s := NewCallSession(line, OutboundLine, e.Dialed)
	if err := s.SetState(StateSIPRinging); err != nil {
		coreLog.Warnf("line %d: %v", line, err)
		g.sipc.Reject(e.CallID, 500, "Server Internal Error")
		return
	}
	s.SetCallID(e.CallID)
	if e.SDPAddr != "" {
		s.SetRemoteRTP(e.SDPAddr, e.SDPPort)
	}

	b, port, err := g.openBridge(line)
	if err != nil {
		coreLog.Warnf("line %d: no RTP port: %v", line, err)
		g.sipc.Reject(e.CallID, 503, "Service Unavailable")
		return
	}
	s.SetBridge(b)
	g.addSession(s)
	g.indexCall(e.CallID, line)
	metricActiveCalls.Inc()
	g.armWatchdog(s)

	// 180 plus 183 with SDP: the GSM network plays ringback in-band.
	g.sipc.Ring(e.CallID)
	g.sipc.Progress(e.CallID, port)

	if err := g.lines.PlaceCall(line, e.Dialed); err != nil {
		coreLog.Warnf("line %d: dial failed: %v", line, err)
		g.teardown(s, ReasonLineHangup, false, true)
	}
}

// pickLine maps a dialed number to an idle line: an explicit route
// must be idle, otherwise the lowest idle line takes the call.
func (g *Gateway) pickLine(dialed string) (int, bool) {
	if line, ok := g.routes.Resolve(dialed); ok {
		if g.sessionByLine(line) == nil {
			return line, true
		}
		return 0, false
	}
	for line := 1; line <= g.cfg.LineCount(); line++ {
		if g.sessionByLine(line) == nil {
			return line, true
		}
	}
	return 0, false
}

func (g *Gateway) onSIPProgress(e sip.ProgressEvent) {
	s := g.sessionByCall(e.CallID)
	if s == nil {
		return
	}
	if e.SDPAddr != "" {
		s.SetRemoteRTP(e.SDPAddr, e.SDPPort)
	}
	if err := s.SetState(StateSIPRinging); err != nil {
		coreLog.Debugf("line %d: %v", s.LineID(), err)
	}
}

func (g *Gateway) onSIPAnswered(e sip.AnsweredEvent) {
	s := g.sessionByCall(e.CallID)
	if s == nil {
		return
	}
	if e.SDPAddr != "" {
		s.SetRemoteRTP(e.SDPAddr, e.SDPPort)
	}
	s.MarkSIPAnswered()
	if err := s.SetState(StateSIPAnswered); err != nil {
		coreLog.Warnf("line %d: %v", s.LineID(), err)
	}

	if s.Direction() == InboundLine && !s.LineAnswered() {
		if err := g.lines.Answer(s.LineID()); err != nil {
			coreLog.Warnf("line %d: answer failed: %v", s.LineID(), err)
			g.teardown(s, ReasonLineHangup, false, true)
			return
		}
	}
	g.checkBridge(s)
}

func (g *Gateway) onLineAnswered(e LineAnsweredEvent) {
	s := g.sessionByLine(e.Line)
	if s == nil {
		coreLog.Warnf("line %d answered with no session", e.Line)
		return
	}
	s.MarkLineAnswered()
	if err := s.SetState(StateLineAnswered); err != nil {
		coreLog.Debugf("line %d: %v", e.Line, err)
	}

	if s.Direction() == OutboundLine && !s.SIPAnswered() {
		b := s.Bridge()
		if b == nil {
			coreLog.Warnf("line %d: no bridge attached", e.Line)
			g.teardown(s, ReasonMediaFailure, true, true)
			return
		}
		if err := g.sipc.Answer(s.CallID(), b.LocalPort()); err != nil {
			coreLog.Warnf("line %d: 200 OK failed: %v", s.LineID(), err)
			g.teardown(s, ReasonSIPHangup, true, false)
			return
		}
		s.MarkSIPAnswered()
		if err := s.SetState(StateSIPAnswered); err != nil {
			coreLog.Debugf("line %d: %v", e.Line, err)
		}
	}
	g.checkBridge(s)
}

func (g *Gateway) onSIPFailed(e sip.FailedEvent) {
	s := g.sessionByCall(e.CallID)
	if s == nil {
		return
	}
	coreLog.Warnf("line %d: SIP leg failed: %d %s", s.LineID(), e.Code, e.Reason)
	g.teardown(s, ReasonSIPRejected, true, false)
}

func (g *Gateway) onSIPEnded(e sip.EndedEvent) {
	s := g.sessionByCall(e.CallID)
	if s == nil {
		return
	}
	g.teardown(s, ReasonSIPHangup, true, false)
}

func (g *Gateway) onSIPCancelled(e sip.CancelledEvent) {
	s := g.sessionByCall(e.CallID)
	if s == nil {
		return
	}
	g.teardown(s, ReasonSIPHangup, true, false)
}

func (g *Gateway) onLineEnded(e LineEndedEvent) {
	s := g.sessionByLine(e.Line)
	if s == nil {
		return
	}
	if e.Cause != "" {
		lineLog.Infof("line %d: ended by network: %s", e.Line, e.Cause)
	}
	g.teardown(s, ReasonLineHangup, false, true)
}

func (g *Gateway) onWatchdog(s *CallSession) {
	if g.sessionByLine(s.LineID()) != s {
		return
	}
	switch s.State() {
	case StateBridged, StateEnding:
		return
	}
	coreLog.Warnf("line %d: call setup timed out", s.LineID())
	g.teardown(s, ReasonSetupTimeout, true, true)
}

// checkBridge starts media once the session gate opens. Both answer
// orders funnel through here; the gate makes the second call a no-op.
func (g *Gateway) checkBridge(s *CallSession) {
	if !s.CanStartRTP() {
		return
	}
	host, port := s.RemoteRTP()
	if host == "" {
		coreLog.Warnf("line %d: both legs answered but no remote RTP endpoint", s.LineID())
		return
	}
	b := s.Bridge()
	if b == nil {
		coreLog.Warnf("line %d: no bridge attached", s.LineID())
		return
	}
	if err := b.Start(host, port); err != nil {
		coreLog.Warnf("line %d: media start failed: %v", s.LineID(), err)
		g.teardown(s, ReasonMediaFailure, true, true)
		return
	}
	s.MarkRTPActive(true)
	if err := s.SetState(StateBridged); err != nil {
		coreLog.Warnf("line %d: %v", s.LineID(), err)
	}
	s.CancelWatchdog()
	metricCallsBridged.Inc()
	metricSetupSeconds.Observe(s.Duration().Seconds())
	coreLog.Infof("line %d: call bridged, media %s:%d (%s)", s.LineID(), host, port, s.CallID())
}

// teardown ends a call: force ENDING, stop media, hang up only the
// legs the caller asks for, then free the line.
func (g *Gateway) teardown(s *CallSession, reason string, hangLine, hangSIP bool) {
	wasBridged := s.State() == StateBridged
	s.ForceEnd(reason)
	s.CancelWatchdog()

	if b := s.Bridge(); b != nil {
		b.Stop()
		sent, rcvd := b.Stats()
		metricRTPSent.Add(float64(sent))
		metricRTPReceived.Add(float64(rcvd))
	}
	if hangLine {
		if err := g.lines.Hangup(s.LineID()); err != nil {
			lineLog.Warnf("line %d: hangup failed: %v", s.LineID(), err)
		}
	}
	if hangSIP && s.CallID() != "" {
		g.sipc.Hangup(s.CallID())
	}

	g.removeSession(s)
	metricActiveCalls.Dec()
	if !wasBridged {
		metricCallsFailed.WithLabelValues(reason).Inc()
	}
	coreLog.Infof("line %d: call ended after %s (%s)",
		s.LineID(), s.Duration().Round(time.Millisecond), reason)
}

func (g *Gateway) shutdown() {
	coreLog.Info("gateway shutting down, ending active calls")
	g.mu.Lock()
	active := make([]*CallSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		active = append(active, s)
	}
	g.mu.Unlock()

	for _, s := range active {
		g.teardown(s, ReasonShutdown, true, true)
	}
}

func (g *Gateway) openBridge(line int) (*media.Bridge, int, error) {
	b := media.NewBridge(media.Config{
		Audio:       g.audio(),
		Log:         rtpLog,
		PortStep:    g.cfg.RTPPortStep(),
		PortRetries: g.cfg.RTPPortRetries(),
	})
	port, err := b.Open(g.cfg.RTPPortBase() + g.cfg.RTPPortStep()*line)
	if err != nil {
		return nil, 0, err
	}
	return b, port, nil
}

func (g *Gateway) armWatchdog(s *CallSession) {
	s.ArmWatchdog(g.cfg.SetupTimeout(), func() { g.post(watchdogEvent{s: s}) })
}

// post hands a timer event to the dispatcher without leaking the timer
// goroutine when the gateway is already gone.
func (g *Gateway) post(ev interface{}) {
	select {
	case g.events <- ev:
	case <-g.done:
	}
}

func (g *Gateway) sessionByLine(line int) *CallSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[line]
}

func (g *Gateway) sessionByCall(callID string) *CallSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	if line, ok := g.byCall[callID]; ok {
		return g.sessions[line]
	}
	return nil
}

func (g *Gateway) addSession(s *CallSession) {
	g.mu.Lock()
	g.sessions[s.LineID()] = s
	g.mu.Unlock()
}

func (g *Gateway) indexCall(callID string, line int) {
	g.mu.Lock()
	g.byCall[callID] = line
	g.mu.Unlock()
}

func (g *Gateway) removeSession(s *CallSession) {
	g.mu.Lock()
	delete(g.sessions, s.LineID())
	if id := s.CallID(); id != "" {
		delete(g.byCall, id)
	}
	g.mu.Unlock()
}

// startGateway wires the gateway to the already-started subsystems and
// blocks until the process is told to stop.
func startGateway(cfg *Settings, sipc *sip.Client, lines LineController) error {
	coreLog.Info("starting gateway")
	gw, err := NewGateway(cfg, sipc, lines, audioFactory(cfg))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return gw.Start(ctx)
}

// audioFactory picks the audio device each call's bridge will use.
func audioFactory(cfg *Settings) func() media.AudioIO {
	switch cfg.AudioDevice() {
	case "loopback":
		return func() media.AudioIO { return media.NewLoopbackDevice(0) }
	default:
		return func() media.AudioIO { return media.NewNullDevice() }
	}
}
