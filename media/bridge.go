package media

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// ErrPortInUse reports that no local RTP port could be bound after the
// configured number of attempts.
var ErrPortInUse = errors.New("rtp port in use")

const (
	rtpHeaderSize  = 12
	rtpPayloadPCMU = 0
	readTimeout    = 100 * time.Millisecond
	recvBufSize    = 1500
)

// Config carries the knobs for one Bridge. Zero values fall back to two
// ports of spacing, five bind attempts and the standard logger.
type Config struct {
	Audio       AudioIO
	Log         *logrus.Entry
	PortStep    int
	PortRetries int
}

// Bridge relays one call's audio between the line-side device and an RTP
// peer: captured frames go out μ-law in 160-byte packets, received
// packets are decoded and played back. Open binds the socket first so
// the local port can be offered in SDP before any media flows.
type Bridge struct {
	audio   AudioIO
	log     *logrus.Entry
	step    int
	retries int

	mu      sync.Mutex
	conn    *net.UDPConn
	port    int
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	remote atomic.Pointer[net.UDPAddr]
	ssrc   uint32
	seq    uint16
	ts     uint32

	sent atomic.Uint64
	rcvd atomic.Uint64
}

func NewBridge(cfg Config) *Bridge {
	if cfg.PortStep <= 0 {
		cfg.PortStep = 2
	}
	if cfg.PortRetries <= 0 {
		cfg.PortRetries = 5
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		audio:   cfg.Audio,
		log:     cfg.Log,
		step:    cfg.PortStep,
		retries: cfg.PortRetries,
		ssrc:    randomSSRC(),
	}
}

// Open binds the local RTP socket, walking up from basePort in steps
// when a port is taken. It returns the bound port for use in SDP.
func (b *Bridge) Open(basePort int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.port, nil
	}

	var lastErr error
	for i := 0; i < b.retries; i++ {
		port := basePort + i*b.step
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		b.conn = conn
		b.port = conn.LocalAddr().(*net.UDPAddr).Port
		if i > 0 {
			b.log.Warnf("rtp: port %d busy, bound %d instead", basePort, b.port)
		}
		return b.port, nil
	}
	return 0, fmt.Errorf("%w: %d attempts from %d: %v",
		ErrPortInUse, b.retries, basePort, lastErr)
}

// LocalPort returns the bound RTP port, zero before Open.
func (b *Bridge) LocalPort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// Start brings up the audio device and both relay loops towards the
// given peer. Calling it again while running is a no-op success.
func (b *Bridge) Start(remoteHost string, remotePort int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if b.conn == nil {
		return errors.New("rtp socket not open")
	}

	raddr, err := net.ResolveUDPAddr("udp",
		net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
	if err != nil {
		return fmt.Errorf("rtp remote endpoint: %w", err)
	}
	b.remote.Store(raddr)

	if err := b.audio.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioInit, err)
	}

	b.running = true
	b.done = make(chan struct{})
	b.wg.Add(2)
	go b.sendLoop(b.conn, b.done)
	go b.recvLoop(b.conn, b.done)

	b.log.Infof("rtp: bridging %d <-> %s", b.port, raddr)
	return nil
}

// Stop halts both loops, stops the audio device and releases the
// socket. It is safe to call repeatedly and returns only once no more
// packets will be processed.
func (b *Bridge) Stop() {
	b.mu.Lock()
	conn := b.conn
	running := b.running
	done := b.done
	b.conn = nil
	b.running = false
	b.mu.Unlock()

	if running {
		close(done)
		b.audio.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if running {
		b.wg.Wait()
		b.log.Infof("rtp: stopped, %d packets sent, %d received",
			b.sent.Load(), b.rcvd.Load())
	}
}

// Active reports whether the relay loops are running.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Stats returns packets sent and received so far.
func (b *Bridge) Stats() (sent, received uint64) {
	return b.sent.Load(), b.rcvd.Load()
}

func (b *Bridge) sendLoop(conn *net.UDPConn, done chan struct{}) {
	defer b.wg.Done()

	for {
		select {
		case <-done:
			return
		default:
		}

		frame, ok := b.audio.ReadFrame()
		if !ok {
			return
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    rtpPayloadPCMU,
				SequenceNumber: b.seq,
				Timestamp:      b.ts,
				SSRC:           b.ssrc,
			},
			Payload: Encode(frame),
		}
		b.seq++
		b.ts += FrameSamples

		buf, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if raddr := b.remote.Load(); raddr != nil {
			if _, err := conn.WriteToUDP(buf, raddr); err != nil {
				select {
				case <-done:
					return
				default:
					continue
				}
			}
			b.sent.Add(1)
		}
	}
}

func (b *Bridge) recvLoop(conn *net.UDPConn, done chan struct{}) {
	defer b.wg.Done()

	buf := make([]byte, recvBufSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		// Short deadline so shutdown is observed promptly.
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return
		}
		if n < rtpHeaderSize {
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		b.latchRemote(raddr)

		payload := pkt.Payload
		if len(payload) > FrameSamples {
			payload = payload[:FrameSamples]
		}
		b.rcvd.Add(1)
		b.audio.WriteFrame(Decode(payload))
	}
}

// latchRemote follows the peer when packets arrive from a different
// source than negotiated, which is normal behind NAT (symmetric RTP).
func (b *Bridge) latchRemote(raddr *net.UDPAddr) {
	cur := b.remote.Load()
	if cur != nil && cur.Port == raddr.Port && cur.IP.Equal(raddr.IP) {
		return
	}
	b.remote.Store(raddr)
	b.log.Debugf("rtp: remote latched to %s", raddr)
}

func randomSSRC() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
