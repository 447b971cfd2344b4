package main

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	t    *testing.T
	conn *net.UDPConn
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeAgent{t: t, conn: conn}
}

func (a *fakeAgent) send(bus *LineBus, text string) {
	a.t.Helper()
	addr, err := net.ResolveUDPAddr("udp", bus.LocalAddr())
	require.NoError(a.t, err)
	_, err = a.conn.WriteToUDP([]byte(text+"\n"), addr)
	require.NoError(a.t, err)
}

func (a *fakeAgent) read() string {
	a.t.Helper()
	require.NoError(a.t, a.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 512)
	n, _, err := a.conn.ReadFromUDP(buf)
	require.NoError(a.t, err)
	return strings.TrimSpace(string(buf[:n]))
}

func newTestBus(t *testing.T, lines int) *LineBus {
	t.Helper()
	bus := NewLineBus("127.0.0.1:0", lines)
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)
	return bus
}

func expectEvent[T any](t *testing.T, ch <-chan interface{}) T {
	t.Helper()
	select {
	case ev := <-ch:
		typed, ok := ev.(T)
		require.True(t, ok, "unexpected event %#v", ev)
		return typed
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestLineBusEmitsRingThenCallerID(t *testing.T) {
	bus := newTestBus(t, 2)
	agent := newFakeAgent(t)

	agent.send(bus, "RING 1")
	ring := expectEvent[LineRingEvent](t, bus.Events())
	assert.Equal(t, 1, ring.Line)
	assert.Equal(t, "", ring.Caller)

	agent.send(bus, "CALLERID 1 5550100")
	cid := expectEvent[LineCallerIDEvent](t, bus.Events())
	assert.Equal(t, 1, cid.Line)
	assert.Equal(t, "5550100", cid.Caller)
}

func TestLineBusEmitsAnsweredAndEnded(t *testing.T) {
	bus := newTestBus(t, 2)
	agent := newFakeAgent(t)

	agent.send(bus, "ANSWERED 2")
	answered := expectEvent[LineAnsweredEvent](t, bus.Events())
	assert.Equal(t, 2, answered.Line)

	agent.send(bus, "ENDED 2 NO CARRIER")
	ended := expectEvent[LineEndedEvent](t, bus.Events())
	assert.Equal(t, 2, ended.Line)
	assert.Equal(t, "NO CARRIER", ended.Cause)
}

func TestLineBusCommandsReachAgent(t *testing.T) {
	bus := newTestBus(t, 2)
	agent := newFakeAgent(t)

	// The bus learns the agent address from any inbound datagram.
	agent.send(bus, "RING 1 5550100")
	expectEvent[LineRingEvent](t, bus.Events())

	require.NoError(t, bus.PlaceCall(1, "5550199"))
	assert.Equal(t, "CALL 1 5550199", agent.read())

	require.NoError(t, bus.Answer(1))
	assert.Equal(t, "ANSWER 1", agent.read())

	require.NoError(t, bus.Hangup(1))
	assert.Equal(t, "HANGUP 1", agent.read())
}

func TestLineBusRejectsUnknownLines(t *testing.T) {
	bus := newTestBus(t, 2)

	assert.Error(t, bus.PlaceCall(0, "5550199"))
	assert.Error(t, bus.PlaceCall(3, "5550199"))
	assert.Error(t, bus.Answer(-1))
}

func TestLineBusErrorsBeforeAgentIsKnown(t *testing.T) {
	bus := newTestBus(t, 2)

	err := bus.Hangup(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no line agent")
}

func TestLineBusIgnoresMalformedDatagrams(t *testing.T) {
	bus := newTestBus(t, 2)
	agent := newFakeAgent(t)

	agent.send(bus, "BOGUS")
	agent.send(bus, "RING")
	agent.send(bus, "RING x")
	agent.send(bus, "RING 99")
	agent.send(bus, "CALLERID 1")
	agent.send(bus, "RING 1 5550100")

	ring := expectEvent[LineRingEvent](t, bus.Events())
	assert.Equal(t, 1, ring.Line)
	assert.Equal(t, "5550100", ring.Caller)
}
