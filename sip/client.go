package sip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Events delivered on Client.Events(). The consumer runs one dispatcher
// loop and type-switches on these.
type (
	// IncomingCallEvent reports a new INVITE from the PBX.
	IncomingCallEvent struct {
		CallID  string
		Dialed  string
		Caller  string
		SDPAddr string
		SDPPort int
	}
	// ProgressEvent reports a 180/183 on an outgoing call, with the
	// peer's media endpoint when the response carried early-media SDP.
	ProgressEvent struct {
		CallID  string
		Code    int
		SDPAddr string
		SDPPort int
	}
	// AnsweredEvent reports a 200 OK on an outgoing call.
	AnsweredEvent struct {
		CallID  string
		SDPAddr string
		SDPPort int
	}
	// FailedEvent reports a final non-2xx or a transaction timeout
	// (Code 0) on an outgoing call.
	FailedEvent struct {
		CallID string
		Code   int
		Reason string
	}
	// EndedEvent reports a BYE from the peer.
	EndedEvent struct{ CallID string }
	// CancelledEvent reports a CANCEL for a not-yet-answered INVITE.
	CancelledEvent struct{ CallID string }
	// RegistrationEvent reports registration coming up or going down.
	RegistrationEvent struct{ Registered bool }
)

// Config carries the client's identity and transport settings.
type Config struct {
	User     string
	Domain   string
	Password string

	// Registrar is the PBX "host:port". Empty enables trunk mode: the
	// peer is learned from the first inbound request instead.
	Registrar string

	// AdvertisedHost goes into Via/Contact/SDP. Required since the
	// socket binds the wildcard address.
	AdvertisedHost string

	Port      int
	PortRange int

	Register        bool
	RegisterExpires int
	RegisterRefresh time.Duration

	Log *logrus.Entry
}

// INVITE retransmission: Timer A doubling to a 4s cap, Timer B overall.
var retransmitSchedule = []time.Duration{
	500 * time.Millisecond, time.Second, 2 * time.Second,
	4 * time.Second, 4 * time.Second, 4 * time.Second,
}

// transactionTimeout is Timer B: the overall wait for any response.
var transactionTimeout = 32 * time.Second

const (
	healthInterval  = 30 * time.Second
	healthDeadAfter = 90 * time.Second
)

// dialog is the per-call signaling state. All fields are guarded by the
// client mutex; the retransmit goroutine only watches responded.
type dialog struct {
	callID     string
	inbound    bool
	remoteAddr *net.UDPAddr
	invite     *Message
	fromHeader string
	toHeader   string
	remoteURI  string
	localTag   string
	cseq       int

	finalCache *Message // our final response, resent on INVITE retransmits
	finalDone  bool
	acked      bool
	cancelled  bool

	responded     chan struct{}
	respondedOnce sync.Once
}

func newDialog(callID string, inbound bool, raddr *net.UDPAddr, invite *Message) *dialog {
	d := &dialog{
		callID:     callID,
		inbound:    inbound,
		remoteAddr: raddr,
		invite:     invite,
		fromHeader: invite.Header("from"),
		toHeader:   invite.Header("to"),
		cseq:       1,
		responded:  make(chan struct{}),
	}
	if inbound {
		d.localTag = NewTag()
		d.remoteURI = contactOrFrom(invite)
	} else {
		d.remoteURI = invite.RequestURI()
	}
	return d
}

func (d *dialog) markResponded() {
	d.respondedOnce.Do(func() { close(d.responded) })
}

func contactOrFrom(m *Message) string {
	if u := m.ContactURI(); u != "" {
		return u
	}
	return innerURI(m.Header("from"))
}

// Client is the SIP UDP endpoint: one socket, a reader loop, dialog
// bookkeeping, registration upkeep and a peer health monitor.
type Client struct {
	cfg       Config
	log       *logrus.Entry
	conn      *net.UDPConn
	localAddr string
	events    chan interface{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	dialogs map[string]*dialog
	peer    *net.UDPAddr

	registered atomic.Bool
	lastRecv   atomic.Int64
	dropped    atomic.Uint64

	regMu        sync.Mutex
	regCallID    string
	regCSeq      int
	regAuthTried bool
}

// NewClient creates a client; Start binds the socket.
func NewClient(cfg Config) *Client {
	if cfg.AdvertisedHost == "" {
		cfg.AdvertisedHost = "127.0.0.1"
	}
	if cfg.RegisterExpires <= 0 {
		cfg.RegisterExpires = 60
	}
	if cfg.RegisterRefresh <= 0 {
		cfg.RegisterRefresh = 50 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Log,
		events:  make(chan interface{}, 16),
		done:    make(chan struct{}),
		dialogs: make(map[string]*dialog),
	}
}

// Start binds the SIP socket, walking up from the configured port when
// taken, and starts the reader, registration and health loops.
func (c *Client) Start() error {
	var lastErr error
	for i := 0; i <= c.cfg.PortRange; i++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.cfg.Port + i})
		if err != nil {
			lastErr = err
			continue
		}
		c.conn = conn
		break
	}
	if c.conn == nil {
		return fmt.Errorf("bind sip socket (ports %d-%d): %v",
			c.cfg.Port, c.cfg.Port+c.cfg.PortRange, lastErr)
	}

	port := c.conn.LocalAddr().(*net.UDPAddr).Port
	c.localAddr = net.JoinHostPort(c.cfg.AdvertisedHost, strconv.Itoa(port))

	if c.cfg.Registrar != "" {
		peer, err := net.ResolveUDPAddr("udp", c.cfg.Registrar)
		if err != nil {
			_ = c.conn.Close()
			return fmt.Errorf("resolve registrar %q: %w", c.cfg.Registrar, err)
		}
		c.peer = peer
	}

	c.lastRecv.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.readLoop()
	go c.healthLoop()
	if c.cfg.Register && c.cfg.Registrar != "" {
		c.wg.Add(1)
		go c.registerLoop()
	}

	if c.cfg.Registrar == "" {
		c.log.Infof("sip: listening on %s in trunk mode", c.localAddr)
	} else {
		c.log.Infof("sip: listening on %s, peer %s", c.localAddr, c.cfg.Registrar)
	}
	return nil
}

// Stop closes the socket and waits for all loops to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.wg.Wait()
	})
}

// Events returns the channel call events are delivered on.
func (c *Client) Events() <-chan interface{} { return c.events }

// Registered reports whether the current registration is confirmed.
func (c *Client) Registered() bool { return c.registered.Load() }

// LocalAddr returns the advertised "host:port" of the SIP socket.
func (c *Client) LocalAddr() string { return c.localAddr }

// Dropped returns how many unparseable datagrams were discarded.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) peerAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Client) learnPeer(raddr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		c.peer = raddr
		c.log.Infof("sip: trunk peer learned: %s", raddr)
	}
}

func (c *Client) emit(ev interface{}) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) send(m *Message, to *net.UDPAddr) {
	if to == nil {
		c.log.Warn("sip: no peer address yet, dropping outgoing message")
		return
	}
	raw := m.Serialize()
	if _, err := c.conn.WriteToUDP([]byte(raw), to); err != nil {
		c.log.Warnf("sip: send to %s failed: %v", to, err)
		return
	}
	c.log.Tracef("sip: sent to %s\n%s", to, raw)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			c.log.Warnf("sip: socket read failed: %v", err)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		raw := string(buf[:n])
		msg, ok := Parse(raw)
		if !ok {
			c.dropped.Add(1)
			c.log.Debugf("sip: dropped unparseable datagram from %s", raddr)
			continue
		}
		c.log.Tracef("sip: received from %s\n%s", raddr, raw)

		if msg.IsRequest() {
			c.handleRequest(msg, raddr)
		} else {
			c.handleResponse(msg)
		}
	}
}

func (c *Client) handleRequest(msg *Message, raddr *net.UDPAddr) {
	c.learnPeer(raddr)
	callID := msg.CallID()

	switch msg.Method() {
	case "INVITE":
		c.handleInvite(msg, raddr)

	case "ACK":
		c.mu.Lock()
		if d := c.dialogs[callID]; d != nil {
			d.acked = true
			if d.finalCache != nil && d.finalCache.StatusCode() >= 300 {
				delete(c.dialogs, callID)
			}
		}
		c.mu.Unlock()

	case "BYE":
		c.send(BuildResponse(msg, 200, "OK"), raddr)
		c.mu.Lock()
		_, known := c.dialogs[callID]
		delete(c.dialogs, callID)
		c.mu.Unlock()
		if known {
			c.log.Infof("sip: received BYE for %s", callID)
			c.emit(EndedEvent{CallID: callID})
		}

	case "CANCEL":
		c.send(BuildResponse(msg, 200, "OK"), raddr)
		c.mu.Lock()
		var invite *Message
		if d := c.dialogs[callID]; d != nil && d.inbound && !d.finalDone {
			invite = d.invite
			delete(c.dialogs, callID)
		}
		c.mu.Unlock()
		if invite != nil {
			c.send(BuildResponse(invite, 487, "Request Terminated"), raddr)
			c.log.Infof("sip: call %s cancelled by peer", callID)
			c.emit(CancelledEvent{CallID: callID})
		}

	case "OPTIONS", "INFO", "REGISTER":
		c.send(BuildResponse(msg, 200, "OK"), raddr)

	default:
		c.send(BuildResponse(msg, 501, "Not Implemented"), raddr)
	}
}

func (c *Client) handleInvite(msg *Message, raddr *net.UDPAddr) {
	callID := msg.CallID()

	c.mu.Lock()
	if d := c.dialogs[callID]; d != nil {
		cached := d.finalCache
		c.mu.Unlock()
		// Retransmitted INVITE: repeat our latest answer for it.
		if cached != nil {
			c.send(cached, raddr)
		} else {
			c.send(BuildResponse(msg, 100, "Trying"), raddr)
		}
		return
	}
	d := newDialog(callID, true, raddr, msg)
	c.dialogs[callID] = d
	c.mu.Unlock()

	c.send(BuildResponse(msg, 100, "Trying"), raddr)

	addr, port, _ := DecodeMedia(msg.Body())
	c.log.Infof("sip: received INVITE %s -> %s (%s)", msg.FromUser(), msg.DialedNumber(), callID)
	c.emit(IncomingCallEvent{
		CallID:  callID,
		Dialed:  msg.DialedNumber(),
		Caller:  msg.FromUser(),
		SDPAddr: addr,
		SDPPort: port,
	})
}

func (c *Client) handleResponse(msg *Message) {
	_, method := msg.CSeq()
	switch method {
	case "REGISTER":
		c.handleRegisterResponse(msg)
		return
	case "INVITE":
	default:
		// Responses to BYE, CANCEL and OPTIONS need no follow-up.
		return
	}

	callID := msg.CallID()
	c.mu.Lock()
	d := c.dialogs[callID]
	if d == nil || d.inbound {
		c.mu.Unlock()
		return
	}
	d.markResponded()

	code := msg.StatusCode()
	switch {
	case code < 200:
		c.mu.Unlock()
		if code == 180 || code == 183 {
			addr, port, _ := DecodeMedia(msg.Body())
			c.emit(ProgressEvent{CallID: callID, Code: code, SDPAddr: addr, SDPPort: port})
		}

	case code < 300:
		again := d.finalDone
		d.finalDone = true
		d.toHeader = msg.Header("to")
		if u := msg.ContactURI(); u != "" {
			d.remoteURI = u
		}
		raddr := d.remoteAddr
		c.mu.Unlock()

		// A retransmitted 200 means our ACK was lost: ACK again but
		// do not re-notify the consumer.
		c.send(BuildAck(msg, c.localAddr), raddr)
		if again {
			return
		}
		addr, port, _ := DecodeMedia(msg.Body())
		c.log.Infof("sip: call %s answered", callID)
		c.emit(AnsweredEvent{CallID: callID, SDPAddr: addr, SDPPort: port})

	default:
		cancelled := d.cancelled
		d.finalDone = true
		raddr := d.remoteAddr
		delete(c.dialogs, callID)
		c.mu.Unlock()

		c.send(BuildAck(msg, c.localAddr), raddr)
		if cancelled {
			c.log.Debugf("sip: call %s closed by our cancel: %d", callID, code)
			return
		}
		c.log.Infof("sip: call %s failed: %d %s", callID, code, msg.Reason())
		c.emit(FailedEvent{CallID: callID, Code: code, Reason: msg.Reason()})
	}
}

// Invite places an outgoing call to toUser. caller becomes the From
// user so the PBX sees the line's caller-ID; empty falls back to the
// account user. Returns the new dialog's Call-ID.
func (c *Client) Invite(toUser, caller string, rtpPort int) (string, error) {
	peer := c.peerAddr()
	if peer == nil {
		return "", errors.New("sip: no peer known yet")
	}

	fromUser := caller
	if fromUser == "" {
		fromUser = c.cfg.User
	}

	callID := NewCallID(c.cfg.Domain)
	m := BuildInvite(fromUser, toUser, c.cfg.Domain, c.localAddr, rtpPort, callID, 1)

	d := newDialog(callID, false, peer, m)
	c.mu.Lock()
	c.dialogs[callID] = d
	c.mu.Unlock()

	c.log.Infof("sip: sending INVITE %s -> %s (%s)", fromUser, toUser, callID)
	c.send(m, peer)
	c.wg.Add(1)
	go c.retransmitInvite(d, m)
	return callID, nil
}

// retransmitInvite resends until any response arrives, then leaves the
// rest to the dialog; a completely silent peer fails the transaction.
func (c *Client) retransmitInvite(d *dialog, m *Message) {
	defer c.wg.Done()

	deadline := time.NewTimer(transactionTimeout)
	defer deadline.Stop()

	for _, wait := range retransmitSchedule {
		t := time.NewTimer(wait)
		select {
		case <-d.responded:
			t.Stop()
			return
		case <-c.done:
			t.Stop()
			return
		case <-deadline.C:
			t.Stop()
			c.failTimeout(d)
			return
		case <-t.C:
		}
		c.send(m, d.remoteAddr)
	}

	select {
	case <-d.responded:
	case <-c.done:
	case <-deadline.C:
		c.failTimeout(d)
	}
}

func (c *Client) failTimeout(d *dialog) {
	c.mu.Lock()
	cur, ok := c.dialogs[d.callID]
	fail := ok && cur == d && !d.finalDone
	if fail {
		delete(c.dialogs, d.callID)
	}
	c.mu.Unlock()

	if fail {
		c.log.Warnf("sip: call %s timed out without a response", d.callID)
		c.emit(FailedEvent{CallID: d.callID, Reason: "transaction timeout"})
	}
}

// Ring sends 180 Ringing for an unanswered inbound call.
func (c *Client) Ring(callID string) {
	c.mu.Lock()
	d := c.dialogs[callID]
	if d == nil || !d.inbound || d.finalDone {
		c.mu.Unlock()
		return
	}
	invite, raddr := d.invite, d.remoteAddr
	c.mu.Unlock()
	c.send(BuildResponse(invite, 180, "Ringing"), raddr)
}

// Progress sends 183 Session Progress with SDP so the PBX can play
// early media from our RTP port.
func (c *Client) Progress(callID string, rtpPort int) {
	c.mu.Lock()
	d := c.dialogs[callID]
	if d == nil || !d.inbound || d.finalDone {
		c.mu.Unlock()
		return
	}
	invite, raddr, tag := d.invite, d.remoteAddr, d.localTag
	c.mu.Unlock()
	c.send(buildSDPResponse(invite, 183, "Session Progress", c.localAddr, rtpPort, tag), raddr)
}

// Answer sends 200 OK with an SDP answer for an inbound call. The
// response is cached and repeated for INVITE retransmits until ACKed.
func (c *Client) Answer(callID string, rtpPort int) error {
	c.mu.Lock()
	d := c.dialogs[callID]
	if d == nil || !d.inbound {
		c.mu.Unlock()
		return fmt.Errorf("sip: no inbound call %s", callID)
	}
	resp := BuildOkWithSDP(d.invite, c.localAddr, rtpPort, d.localTag)
	d.finalCache = resp
	d.finalDone = true
	d.toHeader = resp.Header("to")
	raddr := d.remoteAddr
	c.mu.Unlock()

	c.send(resp, raddr)
	return nil
}

// Reject answers an unanswered inbound call with a final error and
// forgets the dialog once the peer ACKs.
func (c *Client) Reject(callID string, code int, reason string) {
	c.mu.Lock()
	d := c.dialogs[callID]
	if d == nil || !d.inbound || d.finalDone {
		c.mu.Unlock()
		return
	}
	resp := BuildResponse(d.invite, code, reason)
	d.finalCache = resp
	d.finalDone = true
	raddr := d.remoteAddr
	c.mu.Unlock()

	c.send(resp, raddr)
}

// Hangup ends a call whatever its phase: CANCEL for an unanswered
// outgoing INVITE, a decline for an unanswered inbound one, BYE for an
// established dialog. Unknown calls are a no-op.
func (c *Client) Hangup(callID string) {
	c.mu.Lock()
	d := c.dialogs[callID]
	if d == nil {
		c.mu.Unlock()
		return
	}

	var out *Message
	raddr := d.remoteAddr
	keep := false

	switch {
	case d.inbound && !d.finalDone:
		out = BuildResponse(d.invite, 480, "Temporarily Unavailable")
		d.finalCache = out
		d.finalDone = true
		keep = true // dropped when the ACK arrives
	case d.inbound:
		d.cseq++
		out = BuildBye(callID, d.toHeader, d.fromHeader, d.remoteURI, c.localAddr, d.cseq)
	case !d.finalDone:
		out = BuildCancel(d.invite)
		d.cancelled = true
		keep = true // the 487 completes the transaction
		time.AfterFunc(transactionTimeout, func() { c.reapDialog(callID) })
	default:
		d.cseq++
		out = BuildBye(callID, d.fromHeader, d.toHeader, d.remoteURI, c.localAddr, d.cseq)
	}
	if !keep {
		delete(c.dialogs, callID)
	}
	c.mu.Unlock()

	c.send(out, raddr)
}

func (c *Client) reapDialog(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dialogs[callID]; ok {
		delete(c.dialogs, callID)
		c.log.Debugf("sip: reaped stale dialog %s", callID)
	}
}

func (c *Client) registerLoop() {
	defer c.wg.Done()

	c.sendRegister()
	ticker := time.NewTicker(c.cfg.RegisterRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendRegister()
		case <-c.done:
			return
		}
	}
}

func (c *Client) sendRegister() {
	c.regMu.Lock()
	if c.regCallID == "" {
		c.regCallID = NewCallID(c.cfg.Domain)
	}
	c.regCSeq++
	c.regAuthTried = false
	m := BuildRegister(c.cfg.User, c.cfg.Domain, c.localAddr,
		c.regCallID, c.regCSeq, c.cfg.RegisterExpires)
	cseq := c.regCSeq
	c.regMu.Unlock()

	c.log.Debugf("sip: sending REGISTER, cseq %d", cseq)
	c.send(m, c.peerAddr())
}

func (c *Client) handleRegisterResponse(msg *Message) {
	num, _ := msg.CSeq()

	c.regMu.Lock()
	if msg.CallID() != c.regCallID || num != strconv.Itoa(c.regCSeq) {
		c.regMu.Unlock()
		return
	}

	switch code := msg.StatusCode(); code {
	case 401, 407:
		if c.regAuthTried {
			c.regMu.Unlock()
			c.log.Warn("sip: registration auth rejected")
			c.setRegistered(false)
			return
		}
		challenge := msg.Header("www-authenticate")
		authHeader := "authorization"
		if code == 407 {
			challenge = msg.Header("proxy-authenticate")
			authHeader = "proxy-authorization"
		}
		realm, nonce, ok := ParseChallenge(challenge)
		if !ok {
			c.regMu.Unlock()
			c.log.Warnf("sip: unusable auth challenge: %q", challenge)
			c.setRegistered(false)
			return
		}
		c.regAuthTried = true
		c.regCSeq++
		m := BuildRegister(c.cfg.User, c.cfg.Domain, c.localAddr,
			c.regCallID, c.regCSeq, c.cfg.RegisterExpires)
		m.SetHeader(authHeader, DigestAuthorization(
			c.cfg.User, realm, c.cfg.Password, nonce, "REGISTER", "sip:"+c.cfg.Domain))
		c.regMu.Unlock()
		c.send(m, c.peerAddr())

	case 200:
		c.regMu.Unlock()
		c.setRegistered(true)

	default:
		c.regMu.Unlock()
		c.log.Warnf("sip: registration rejected: %d %s", code, msg.Reason())
		c.setRegistered(false)
	}
}

func (c *Client) setRegistered(ok bool) {
	if c.registered.Swap(ok) == ok {
		return
	}
	if ok {
		c.log.Infof("sip: registered as %s@%s", c.cfg.User, c.cfg.Domain)
	} else {
		c.log.Warn("sip: registration down")
	}
	c.emit(RegistrationEvent{Registered: ok})
}

// healthLoop pings the peer with OPTIONS and recovers a registration
// that went quiet.
func (c *Client) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if peer := c.peerAddr(); peer != nil {
			c.send(c.buildOptions(), peer)
		}

		idle := time.Since(time.Unix(0, c.lastRecv.Load()))
		if idle > healthDeadAfter {
			c.log.Warnf("sip: no traffic from peer for %s", idle.Round(time.Second))
			if c.cfg.Register {
				c.setRegistered(false)
				c.sendRegister()
			}
		}
	}
}

func (c *Client) buildOptions() *Message {
	m := newRequest("OPTIONS", "sip:"+c.cfg.Domain)
	m.headers["via"] = viaHeader(c.localAddr)
	m.headers["from"] = fmt.Sprintf("<sip:%s@%s>;tag=%s", c.cfg.User, c.cfg.Domain, NewTag())
	m.headers["to"] = "<sip:" + c.cfg.Domain + ">"
	m.headers["call-id"] = NewCallID(c.cfg.Domain)
	m.headers["cseq"] = "1 OPTIONS"
	m.headers["max-forwards"] = "70"
	m.headers["user-agent"] = userAgent
	m.headers["content-length"] = "0"
	return m
}
