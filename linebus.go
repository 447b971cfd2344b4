package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// LineBus talks to the GSM line agent over a UDP datagram socket.
// The agent reports line activity as single-line text datagrams
// ("RING 1 5550100", "CALLERID 1 5550100", "ANSWERED 1",
// "ENDED 1 NO CARRIER") and accepts commands in the same form
// ("CALL 1 5550199", "ANSWER 1", "HANGUP 1"). The agent address is
// learned from its most recent datagram, so the agent only has to
// know where the gateway listens.
type LineBus struct {
	listen string
	lines  int

	conn     *net.UDPConn
	events   chan interface{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	agent *net.UDPAddr
}

// NewLineBus creates a bus for lines 1..lines listening on the given
// "host:port" address.
func NewLineBus(listen string, lines int) *LineBus {
	return &LineBus{
		listen: listen,
		lines:  lines,
		events: make(chan interface{}, 16),
		done:   make(chan struct{}),
	}
}

// Start binds the agent socket and starts the reader loop.
func (b *LineBus) Start() error {
	addr, err := net.ResolveUDPAddr("udp", b.listen)
	if err != nil {
		return fmt.Errorf("agent listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("agent listen: %w", err)
	}
	b.conn = conn
	lineLog.Infof("listening for line agent on %s", conn.LocalAddr())

	b.wg.Add(1)
	go b.readLoop()
	return nil
}

// Stop closes the socket and waits for the reader to exit.
func (b *LineBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.conn != nil {
			b.conn.Close()
		}
		b.wg.Wait()
	})
}

// Events delivers line events to the gateway dispatcher.
func (b *LineBus) Events() <-chan interface{} {
	return b.events
}

// LocalAddr reports the bound socket address, empty before Start.
func (b *LineBus) LocalAddr() string {
	if b.conn == nil {
		return ""
	}
	return b.conn.LocalAddr().String()
}

// PlaceCall tells the agent to dial number on the given line.
func (b *LineBus) PlaceCall(line int, number string) error {
	if err := b.checkLine(line); err != nil {
		return err
	}
	lineLog.Infof("line %d: dialing %s", line, number)
	return b.send(fmt.Sprintf("CALL %d %s", line, number))
}

// Answer tells the agent to take the given line off-hook.
func (b *LineBus) Answer(line int) error {
	if err := b.checkLine(line); err != nil {
		return err
	}
	lineLog.Infof("line %d: answering", line)
	return b.send(fmt.Sprintf("ANSWER %d", line))
}

// Hangup tells the agent to drop whatever call the line carries.
func (b *LineBus) Hangup(line int) error {
	if err := b.checkLine(line); err != nil {
		return err
	}
	lineLog.Infof("line %d: hanging up", line)
	return b.send(fmt.Sprintf("HANGUP %d", line))
}

func (b *LineBus) checkLine(line int) error {
	if line < 1 || line > b.lines {
		return fmt.Errorf("no such line %d", line)
	}
	return nil
}

func (b *LineBus) send(cmd string) error {
	b.mu.Lock()
	agent := b.agent
	b.mu.Unlock()
	if agent == nil {
		return fmt.Errorf("no line agent seen yet")
	}
	if _, err := b.conn.WriteToUDP([]byte(cmd+"\n"), agent); err != nil {
		return fmt.Errorf("agent send: %w", err)
	}
	lineLog.Debugf("sent to agent: %s", cmd)
	return nil
}

func (b *LineBus) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, 512)
	for {
		n, raddr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.done:
			default:
				lineLog.Warnf("agent socket read failed: %v", err)
			}
			return
		}
		b.mu.Lock()
		b.agent = raddr
		b.mu.Unlock()
		b.handleDatagram(strings.TrimSpace(string(buf[:n])))
	}
}

func (b *LineBus) handleDatagram(text string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		lineLog.Debugf("dropped malformed agent datagram: %q", text)
		return
	}
	line, err := strconv.Atoi(fields[1])
	if err != nil || line < 1 || line > b.lines {
		lineLog.Warnf("agent datagram for unknown line: %q", text)
		return
	}

	switch fields[0] {
	case "RING":
		caller := ""
		if len(fields) > 2 {
			caller = fields[2]
		}
		lineLog.Infof("line %d: ringing, caller %q", line, caller)
		b.emit(LineRingEvent{Line: line, Caller: caller})
	case "CALLERID":
		if len(fields) < 3 {
			lineLog.Debugf("dropped CALLERID without a number: %q", text)
			return
		}
		b.emit(LineCallerIDEvent{Line: line, Caller: fields[2]})
	case "ANSWERED":
		lineLog.Infof("line %d: answered", line)
		b.emit(LineAnsweredEvent{Line: line})
	case "ENDED":
		cause := strings.Join(fields[2:], " ")
		lineLog.Infof("line %d: ended (%s)", line, cause)
		b.emit(LineEndedEvent{Line: line, Cause: cause})
	default:
		lineLog.Debugf("dropped unknown agent verb: %q", text)
	}
}

func (b *LineBus) emit(ev interface{}) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}
