package media

import (
	"errors"
	"sync"
	"time"
)

// FrameSamples is one 20 ms frame at 8 kHz mono.
const FrameSamples = 160

// FrameInterval is the wall-clock spacing between frames.
const FrameInterval = 20 * time.Millisecond

// ErrAudioInit reports that the audio device could not be brought up.
// There is no retry within a call attempt.
var ErrAudioInit = errors.New("audio device init failed")

// AudioIO is the line-side audio boundary. ReadFrame paces the RTP send
// loop: implementations block until the next capture frame is due.
type AudioIO interface {
	Start() error
	// ReadFrame returns one 160-sample frame of captured audio, or
	// ok=false once the device is stopped.
	ReadFrame() ([]int16, bool)
	// WriteFrame plays one frame towards the line. Frames are dropped,
	// not queued, when playback cannot keep up.
	WriteFrame(frame []int16)
	Stop()
}

// NullDevice is the default device on hosts without a radio audio path:
// it captures silence at wall-clock pace and discards playback. Useful
// for signaling-only deployments and tests.
type NullDevice struct {
	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	started bool
}

func NewNullDevice() *NullDevice { return &NullDevice{} }

func (d *NullDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.ticker = time.NewTicker(FrameInterval)
	d.done = make(chan struct{})
	d.started = true
	return nil
}

func (d *NullDevice) ReadFrame() ([]int16, bool) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, false
	}
	tick, done := d.ticker.C, d.done
	d.mu.Unlock()

	select {
	case <-tick:
		return make([]int16, FrameSamples), true
	case <-done:
		return nil, false
	}
}

func (d *NullDevice) WriteFrame([]int16) {}

func (d *NullDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.ticker.Stop()
	close(d.done)
	d.started = false
}

// LoopbackDevice feeds frames written to it back out of ReadFrame.
// Capture blocks until a frame is pushed, so tests control pacing.
type LoopbackDevice struct {
	mu      sync.Mutex
	frames  chan []int16
	done    chan struct{}
	started bool
}

func NewLoopbackDevice(depth int) *LoopbackDevice {
	if depth <= 0 {
		depth = 16
	}
	return &LoopbackDevice{frames: make(chan []int16, depth)}
}

func (d *LoopbackDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.done = make(chan struct{})
	d.started = true
	return nil
}

// Push queues a frame for the next ReadFrame. It reports false when the
// queue is full.
func (d *LoopbackDevice) Push(frame []int16) bool {
	select {
	case d.frames <- frame:
		return true
	default:
		return false
	}
}

func (d *LoopbackDevice) ReadFrame() ([]int16, bool) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, false
	}
	done := d.done
	d.mu.Unlock()

	select {
	case frame := <-d.frames:
		return frame, true
	case <-done:
		return nil, false
	}
}

func (d *LoopbackDevice) WriteFrame(frame []int16) {
	select {
	case d.frames <- frame:
	default:
	}
}

func (d *LoopbackDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	close(d.done)
	d.started = false
}
