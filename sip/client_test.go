package sip

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePBX is a bare UDP socket standing in for the far end.
type fakePBX struct {
	t    *testing.T
	conn *net.UDPConn
	peer *net.UDPAddr // the client, learned from its first datagram
}

func newFakePBX(t *testing.T) *fakePBX {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &fakePBX{t: t, conn: conn}
}

func (p *fakePBX) addr() string {
	return p.conn.LocalAddr().String()
}

// read returns the next parseable message from the client.
func (p *fakePBX) read() *Message {
	p.t.Helper()
	buf := make([]byte, 65535)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, raddr, err := p.conn.ReadFromUDP(buf)
	require.NoError(p.t, err)
	p.peer = raddr
	m, ok := Parse(string(buf[:n]))
	require.True(p.t, ok, "client sent unparseable data")
	return m
}

// readNothing asserts the client stays quiet for the given window.
func (p *fakePBX) readNothing(d time.Duration) {
	p.t.Helper()
	buf := make([]byte, 65535)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	n, _, err := p.conn.ReadFromUDP(buf)
	if err == nil {
		p.t.Fatalf("unexpected datagram from client:\n%s", string(buf[:n]))
	}
	var nerr net.Error
	require.ErrorAs(p.t, err, &nerr)
	require.True(p.t, nerr.Timeout())
}

func (p *fakePBX) send(m *Message) {
	p.t.Helper()
	require.NotNil(p.t, p.peer, "no client address learned yet")
	_, err := p.conn.WriteToUDP([]byte(m.Serialize()), p.peer)
	require.NoError(p.t, err)
}

func (p *fakePBX) sendTo(m *Message, addr string) {
	p.t.Helper()
	dst, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(p.t, err)
	_, err = p.conn.WriteToUDP([]byte(m.Serialize()), dst)
	require.NoError(p.t, err)
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	cfg.AdvertisedHost = "127.0.0.1"
	if cfg.Log == nil {
		log := logrus.New()
		log.SetOutput(io.Discard)
		cfg.Log = logrus.NewEntry(log)
	}
	c := NewClient(cfg)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

// expectEvent drains the event channel until an event of type T shows up.
func expectEvent[T any](t *testing.T, ch <-chan interface{}) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestRegistrationWithDigestChallenge(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{
		User: "line1", Domain: "pbx.test", Password: "secret",
		Registrar: pbx.addr(), Register: true,
		RegisterExpires: 60, RegisterRefresh: time.Hour,
	})

	first := pbx.read()
	require.Equal(t, "REGISTER", first.Method())
	assert.Equal(t, "sip:pbx.test", first.RequestURI())
	assert.Equal(t, "60", first.Header("expires"))
	assert.Empty(t, first.Header("authorization"))

	challenge := BuildResponse(first, 401, "Unauthorized")
	challenge.SetHeader("www-authenticate", `Digest realm="pbx.test", nonce="abc123", algorithm=MD5`)
	pbx.send(challenge)

	second := pbx.read()
	require.Equal(t, "REGISTER", second.Method())
	auth := second.Header("authorization")
	assert.Equal(t,
		DigestAuthorization("line1", "pbx.test", "secret", "abc123", "REGISTER", "sip:pbx.test"),
		auth)
	assert.Equal(t, first.CallID(), second.CallID())

	num1, _ := first.CSeq()
	num2, _ := second.CSeq()
	assert.NotEqual(t, num1, num2)

	pbx.send(BuildResponse(second, 200, "OK"))

	ev := expectEvent[RegistrationEvent](t, c.Events())
	assert.True(t, ev.Registered)
	assert.True(t, c.Registered())
}

func TestRegistrationRejectedGoesDown(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{
		User: "line1", Domain: "pbx.test", Password: "secret",
		Registrar: pbx.addr(), Register: true, RegisterRefresh: time.Hour,
	})

	first := pbx.read()
	pbx.send(BuildResponse(first, 200, "OK"))
	expectEvent[RegistrationEvent](t, c.Events())
	require.True(t, c.Registered())

	c2 := newTestClient(t, Config{
		User: "line2", Domain: "pbx.test", Password: "bad",
		Registrar: pbx.addr(), Register: true, RegisterRefresh: time.Hour,
	})
	reg := pbx.read()
	pbx.send(BuildResponse(reg, 403, "Forbidden"))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, c2.Registered())
}

func TestOutgoingCallAnsweredAndHungUp(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{
		User: "gsm", Domain: "pbx.test", Registrar: pbx.addr(),
	})

	callID, err := c.Invite("100", "+15551234567", 5004)
	require.NoError(t, err)

	invite := pbx.read()
	require.Equal(t, "INVITE", invite.Method())
	assert.Equal(t, "sip:100@pbx.test", invite.RequestURI())
	assert.Equal(t, callID, invite.CallID())
	assert.Equal(t, "+15551234567", invite.FromUser())
	assert.Contains(t, invite.Body(), "m=audio 5004")

	pbx.send(BuildResponse(invite, 180, "Ringing"))
	prog := expectEvent[ProgressEvent](t, c.Events())
	assert.Equal(t, 180, prog.Code)

	pbx.send(BuildOkWithSDP(invite, pbx.addr(), 10000, "pbxtag"))

	ack := pbx.read()
	require.Equal(t, "ACK", ack.Method())
	assert.Equal(t, "sip:"+pbx.addr(), ack.RequestURI())
	num, method := ack.CSeq()
	assert.Equal(t, "1", num)
	assert.Equal(t, "ACK", method)

	answered := expectEvent[AnsweredEvent](t, c.Events())
	assert.Equal(t, callID, answered.CallID)
	assert.Equal(t, "127.0.0.1", answered.SDPAddr)
	assert.Equal(t, 10000, answered.SDPPort)

	c.Hangup(callID)
	bye := pbx.read()
	require.Equal(t, "BYE", bye.Method())
	assert.Equal(t, callID, bye.CallID())
	num, method = bye.CSeq()
	assert.Equal(t, "2", num)
	assert.Equal(t, "BYE", method)
	assert.Equal(t, "pbxtag", bye.ToTag())
}

func TestOutgoingCallRejected(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{
		User: "gsm", Domain: "pbx.test", Registrar: pbx.addr(),
	})

	callID, err := c.Invite("100", "", 5004)
	require.NoError(t, err)

	invite := pbx.read()
	assert.Equal(t, "gsm", invite.FromUser())

	resp := BuildResponse(invite, 486, "Busy Here")
	resp.SetHeader("to", invite.Header("to")+";tag=bz")
	pbx.send(resp)

	ack := pbx.read()
	require.Equal(t, "ACK", ack.Method())

	failed := expectEvent[FailedEvent](t, c.Events())
	assert.Equal(t, callID, failed.CallID)
	assert.Equal(t, 486, failed.Code)
}

func TestInviteRetransmitsUntilFirstResponse(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{
		User: "gsm", Domain: "pbx.test", Registrar: pbx.addr(),
	})

	_, err := c.Invite("100", "", 5004)
	require.NoError(t, err)

	first := pbx.read()
	retrans := pbx.read() // ~500ms later
	assert.Equal(t, first.CallID(), retrans.CallID())
	assert.Equal(t, first.Header("via"), retrans.Header("via"))

	pbx.send(BuildResponse(first, 100, "Trying"))

	// A provisional response stops retransmission.
	pbx.readNothing(1300 * time.Millisecond)
}

func TestInviteTimesOutWithoutAnyResponse(t *testing.T) {
	oldTimeout := transactionTimeout
	oldSchedule := retransmitSchedule
	transactionTimeout = 250 * time.Millisecond
	retransmitSchedule = []time.Duration{50 * time.Millisecond}
	defer func() {
		transactionTimeout = oldTimeout
		retransmitSchedule = oldSchedule
	}()

	pbx := newFakePBX(t)
	c := newTestClient(t, Config{
		User: "gsm", Domain: "pbx.test", Registrar: pbx.addr(),
	})

	callID, err := c.Invite("100", "", 5004)
	require.NoError(t, err)

	failed := expectEvent[FailedEvent](t, c.Events())
	assert.Equal(t, callID, failed.CallID)
	assert.Zero(t, failed.Code)
	assert.Contains(t, failed.Reason, "timeout")
}

func TestIncomingCallLifecycle(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{User: "gsm", Domain: "gw.test"}) // trunk mode

	callID := NewCallID("pbx.test")
	invite := BuildInvite("200", "gsm", "gw.test", pbx.addr(), 12000, callID, 1)
	pbx.sendTo(invite, c.LocalAddr())

	trying := pbx.read()
	assert.Equal(t, 100, trying.StatusCode())

	ev := expectEvent[IncomingCallEvent](t, c.Events())
	assert.Equal(t, callID, ev.CallID)
	assert.Equal(t, "gsm", ev.Dialed)
	assert.Equal(t, "200", ev.Caller)
	assert.Equal(t, "127.0.0.1", ev.SDPAddr)
	assert.Equal(t, 12000, ev.SDPPort)

	c.Ring(callID)
	ringing := pbx.read()
	assert.Equal(t, 180, ringing.StatusCode())

	c.Progress(callID, 5004)
	progress := pbx.read()
	assert.Equal(t, 183, progress.StatusCode())
	assert.Contains(t, progress.Body(), "m=audio 5004")
	earlyTag := progress.ToTag()
	require.NotEmpty(t, earlyTag)

	require.NoError(t, c.Answer(callID, 5004))
	okResp := pbx.read()
	assert.Equal(t, 200, okResp.StatusCode())
	assert.Equal(t, earlyTag, okResp.ToTag(), "same dialog tag across 183 and 200")
	assert.Contains(t, okResp.Body(), "m=audio 5004")

	// An INVITE retransmit gets the cached 200 again.
	pbx.sendTo(invite, c.LocalAddr())
	again := pbx.read()
	assert.Equal(t, 200, again.StatusCode())
	assert.Equal(t, okResp.ToTag(), again.ToTag())

	pbx.sendTo(BuildAck(okResp, pbx.addr()), c.LocalAddr())

	bye := BuildBye(callID, invite.Header("from"), okResp.Header("to"),
		"sip:gsm@"+c.LocalAddr(), pbx.addr(), 2)
	pbx.sendTo(bye, c.LocalAddr())

	byeOK := pbx.read()
	assert.Equal(t, 200, byeOK.StatusCode())
	ended := expectEvent[EndedEvent](t, c.Events())
	assert.Equal(t, callID, ended.CallID)
}

func TestIncomingCallRejected(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{User: "gsm", Domain: "gw.test"})

	callID := NewCallID("pbx.test")
	invite := BuildInvite("200", "gsm", "gw.test", pbx.addr(), 12000, callID, 1)
	pbx.sendTo(invite, c.LocalAddr())

	_ = pbx.read() // 100 Trying
	expectEvent[IncomingCallEvent](t, c.Events())

	c.Reject(callID, 486, "Busy Here")
	busy := pbx.read()
	assert.Equal(t, 486, busy.StatusCode())
	num, method := busy.CSeq()
	assert.Equal(t, "1", num)
	assert.Equal(t, "INVITE", method)
}

func TestIncomingCallCancelled(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{User: "gsm", Domain: "gw.test"})

	callID := NewCallID("pbx.test")
	invite := BuildInvite("200", "gsm", "gw.test", pbx.addr(), 12000, callID, 1)
	pbx.sendTo(invite, c.LocalAddr())
	_ = pbx.read() // 100 Trying
	expectEvent[IncomingCallEvent](t, c.Events())

	pbx.sendTo(BuildCancel(invite), c.LocalAddr())

	// 200 for the CANCEL, then 487 for the INVITE.
	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		resp := pbx.read()
		_, method := resp.CSeq()
		seen[method] = resp.StatusCode()
	}
	assert.Equal(t, 200, seen["CANCEL"])
	assert.Equal(t, 487, seen["INVITE"])

	cancelled := expectEvent[CancelledEvent](t, c.Events())
	assert.Equal(t, callID, cancelled.CallID)
}

func TestOptionsAutoAnswered(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{User: "gsm", Domain: "gw.test"})

	opts, parsed := Parse(strings.Join([]string{
		"OPTIONS sip:gw.test SIP/2.0",
		"Via: SIP/2.0/UDP " + pbx.addr() + ";branch=z9hG4bKopt",
		"From: <sip:pbx@pbx.test>;tag=o1",
		"To: <sip:gw.test>",
		"Call-ID: opt1@pbx.test",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"", "",
	}, "\r\n"))
	require.True(t, parsed)
	pbx.sendTo(opts, c.LocalAddr())

	resp := pbx.read()
	assert.Equal(t, 200, resp.StatusCode())
	_, method := resp.CSeq()
	assert.Equal(t, "OPTIONS", method)
}

func TestTrunkModeLearnsPeer(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{User: "gsm", Domain: "gw.test"})

	_, err := c.Invite("100", "", 5004)
	require.Error(t, err, "no peer before any inbound traffic")

	callID := NewCallID("pbx.test")
	pbx.sendTo(BuildInvite("200", "gsm", "gw.test", pbx.addr(), 12000, callID, 1), c.LocalAddr())
	_ = pbx.read() // 100 Trying
	expectEvent[IncomingCallEvent](t, c.Events())

	_, err = c.Invite("100", "", 5004)
	require.NoError(t, err)
	invite := pbx.read()
	assert.Equal(t, "INVITE", invite.Method())
}

func TestUnparseableDatagramsAreCounted(t *testing.T) {
	pbx := newFakePBX(t)
	c := newTestClient(t, Config{User: "gsm", Domain: "gw.test"})

	dst, err := net.ResolveUDPAddr("udp", c.LocalAddr())
	require.NoError(t, err)
	_, err = pbx.conn.WriteToUDP([]byte("GARBAGE"), dst)
	require.NoError(t, err)
	_, err = pbx.conn.WriteToUDP([]byte("\r\n\r\n"), dst)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return c.Dropped() == 2 },
		2*time.Second, 20*time.Millisecond)
}
