package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// ErrNoDevice is returned when a context exposes no device
var ErrNoDevice = errors.New("no device detected")

// ErrBuffersHeld is returned by Stop when retained frames still point into
// driver memory after the release timeout. The buffers stay mapped until
// the context is closed.
var ErrBuffersHeld = errors.New("frame buffers still held")

// Mode selects the device context backend
type Mode int

const (
	ModeLive Mode = iota
	ModeRecord
	ModePlayback
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeRecord:
		return "record"
	case ModePlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// ParseMode parses live, record or playback
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "live", "":
		return ModeLive, nil
	case "record":
		return ModeRecord, nil
	case "playback":
		return ModePlayback, nil
	default:
		return ModeLive, fmt.Errorf("unknown mode: %q (use live, record or playback)", s)
	}
}

// Preset asks the device to pick a profile on its own
type Preset int

const (
	PresetBestQuality Preset = iota
	PresetLargestImage
	PresetHighestFramerate
)

// Frame is one delivered frame. The backend owns the buffer; a consumer that
// needs it past the callback must Retain it and Release it later, and must
// release it before the device stops.
type Frame struct {
	Stream    stream.ID
	Profile   stream.Profile
	Seq       uint64
	Timestamp time.Time
	Data      []byte

	refs    atomic.Int32
	release func()
}

// NewFrame returns a frame holding one reference. release runs when the
// last reference is dropped and may be nil.
func NewFrame(id stream.ID, profile stream.Profile, seq uint64, ts time.Time, data []byte, release func()) *Frame {
	f := &Frame{
		Stream:    id,
		Profile:   profile,
		Seq:       seq,
		Timestamp: ts,
		Data:      data,
		release:   release,
	}
	f.refs.Store(1)
	return f
}

// Retain adds a reference
func (f *Frame) Retain() {
	f.refs.Add(1)
}

// Release drops a reference, giving the buffer back to the backend on the last one
func (f *Frame) Release() {
	if n := f.refs.Add(-1); n == 0 && f.release != nil {
		f.release()
	}
}

// Image copies the frame into a rawimage.Image. The image owns its pixels,
// so it stays valid after the frame is released and the device stopped.
func (f *Frame) Image() *rawimage.Image {
	info := rawimage.Info{
		Stream: f.Stream,
		Width:  f.Profile.Width,
		Height: f.Profile.Height,
		Format: f.Profile.Format,
	}
	return rawimage.New(info, append([]byte(nil), f.Data...), f.Seq, f.Timestamp, nil)
}

// lender counts frames whose buffers a backend has lent out
type lender struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// lend marks one buffer as lent and wraps its release hook so the count
// drops once the hook runs
func (l *lender) lend(release func()) func() {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()

	return func() {
		if release != nil {
			release()
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.n--
		if l.n == 0 && l.idle != nil {
			close(l.idle)
			l.idle = nil
		}
	}
}

// wait blocks until every lent buffer is back or timeout passes, and
// reports whether they all came back
func (l *lender) wait(timeout time.Duration) bool {
	l.mu.Lock()
	if l.n == 0 {
		l.mu.Unlock()
		return true
	}
	if l.idle == nil {
		l.idle = make(chan struct{})
	}
	idle := l.idle
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// outstanding returns how many buffers are still lent
func (l *lender) outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// FrameCallback receives frames on a backend goroutine. Calls for one
// stream never overlap; calls for different streams may.
type FrameCallback func(f *Frame)

// deliver hands a frame to cb and drops the backend's reference
func deliver(cb FrameCallback, f *Frame) {
	defer f.Release()
	if cb != nil {
		cb(f)
	}
}

// Device is a multi-stream camera
type Device interface {
	// Name returns a human-readable device name
	Name() string

	// EnableStream enables a stream with an exact profile
	EnableStream(id stream.ID, p stream.Profile) error

	// EnableStreamPreset enables a stream with a device-chosen profile
	EnableStreamPreset(id stream.ID, preset Preset) error

	// SetFrameCallback registers the callback for a stream. It may be called
	// before the stream is enabled.
	SetFrameCallback(id stream.ID, cb FrameCallback) error

	// StreamProfile returns the profile an enabled stream resolved to
	StreamProfile(id stream.ID) (stream.Profile, error)

	// Start begins delivering frames for every enabled stream
	Start() error

	// Stop stops delivery. Safe to call when not streaming.
	Stop() error

	// IsStreaming reports whether the device is still delivering frames
	IsStreaming() bool
}

// CompressionControl is implemented by recording devices
type CompressionControl interface {
	SetCompression(id stream.ID, level int) error
}

// PlaybackPacingControl is implemented by playback devices
type PlaybackPacingControl interface {
	// SetRealTime toggles pacing frames at their recorded cadence
	SetRealTime(enabled bool)
}

// Context provides device handles for one backend
type Context interface {
	Mode() Mode
	DeviceCount() int
	Device(index int) (Device, error)
	Close() error
}

// Error is a device or driver failure
type Error struct {
	Op     string
	Stream string
	Err    error
}

func (e *Error) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Stream, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func streamError(op string, id stream.ID, err error) error {
	return &Error{Op: op, Stream: id.String(), Err: err}
}
