package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/recording"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

type playbackContext struct {
	path   string
	header recording.Header
	dev    *playbackDevice
}

// OpenPlayback returns a context that replays the recording at path. The
// context has no device when the recording holds no streams.
func OpenPlayback(path string) (Context, error) {
	r, err := recording.Open(path)
	if err != nil {
		return nil, &Error{Op: "playback", Err: err}
	}
	header := r.Header()
	r.Close()

	c := &playbackContext{path: path, header: header}
	if len(header.Streams) > 0 {
		c.dev = newPlaybackDevice(path, header)
	}
	return c, nil
}

func (c *playbackContext) Mode() Mode { return ModePlayback }

func (c *playbackContext) DeviceCount() int {
	if c.dev == nil {
		return 0
	}
	return 1
}

func (c *playbackContext) Device(index int) (Device, error) {
	if index != 0 || c.dev == nil {
		return nil, indexError(index, c.DeviceCount())
	}
	return c.dev, nil
}

func (c *playbackContext) Close() error {
	if c.dev == nil {
		return nil
	}
	return c.dev.Stop()
}

// playbackDevice replays frames from a recording on a single goroutine
type playbackDevice struct {
	path   string
	header recording.Header

	mu        sync.Mutex
	enabled   map[stream.ID]stream.Profile
	callbacks map[stream.ID]FrameCallback
	quit      chan struct{}
	done      chan struct{}

	realTime  atomic.Bool
	streaming atomic.Bool
}

func newPlaybackDevice(path string, header recording.Header) *playbackDevice {
	d := &playbackDevice{
		path:      path,
		header:    header,
		enabled:   make(map[stream.ID]stream.Profile),
		callbacks: make(map[stream.ID]FrameCallback),
	}
	d.realTime.Store(true)
	return d
}

func (d *playbackDevice) Name() string {
	if d.header.Device != "" {
		return "playback:" + d.header.Device
	}
	return "playback"
}

func (d *playbackDevice) recorded(id stream.ID) (stream.Profile, error) {
	info, ok := d.header.Stream(id)
	if !ok {
		return stream.Profile{}, streamError("enable", id, fmt.Errorf("stream not present in %s", d.path))
	}
	return info.Profile, nil
}

// EnableStream accepts only the recorded profile; zero fields match anything
func (d *playbackDevice) EnableStream(id stream.ID, p stream.Profile) error {
	rec, err := d.recorded(id)
	if err != nil {
		return err
	}
	if (p.Width != 0 && p.Width != rec.Width) ||
		(p.Height != 0 && p.Height != rec.Height) ||
		(p.FPS != 0 && p.FPS != rec.FPS) ||
		(p.Format != stream.FormatAny && p.Format != rec.Format) {
		return streamError("enable", id, fmt.Errorf("profile %s does not match recorded %s", p, rec))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled[id] = rec
	return nil
}

func (d *playbackDevice) EnableStreamPreset(id stream.ID, _ Preset) error {
	rec, err := d.recorded(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled[id] = rec
	return nil
}

func (d *playbackDevice) SetFrameCallback(id stream.ID, cb FrameCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streaming.Load() {
		return streamError("set callback", id, fmt.Errorf("device is streaming"))
	}
	d.callbacks[id] = cb
	return nil
}

func (d *playbackDevice) StreamProfile(id stream.ID) (stream.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.enabled[id]
	if !ok {
		return stream.Profile{}, streamError("profile", id, fmt.Errorf("stream not enabled"))
	}
	return p, nil
}

// SetRealTime toggles pacing at the recorded cadence (default on)
func (d *playbackDevice) SetRealTime(enabled bool) {
	d.realTime.Store(enabled)
}

func (d *playbackDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streaming.Load() {
		return nil
	}
	if len(d.enabled) == 0 {
		return &Error{Op: "start", Err: fmt.Errorf("no streams enabled")}
	}

	r, err := recording.Open(d.path)
	if err != nil {
		return &Error{Op: "start", Err: err}
	}

	profiles := make(map[stream.ID]stream.Profile, len(d.enabled))
	callbacks := make(map[stream.ID]FrameCallback, len(d.enabled))
	for id, p := range d.enabled {
		profiles[id] = p
		callbacks[id] = d.callbacks[id]
	}

	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	d.streaming.Store(true)
	go d.run(r, profiles, callbacks, d.quit, d.done)

	logger.WithComponent("device").Info().
		Str("path", d.path).
		Bool("real_time", d.realTime.Load()).
		Int("streams", len(profiles)).
		Msg("Playback started")
	return nil
}

func (d *playbackDevice) run(r *recording.Reader, profiles map[stream.ID]stream.Profile,
	callbacks map[stream.ID]FrameCallback, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer r.Close()
	defer d.streaming.Store(false)

	log := logger.WithComponent("device")

	var first time.Time
	wallStart := time.Now()
	var delivered uint64

	for {
		select {
		case <-quit:
			return
		default:
		}

		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			log.Info().Uint64("frames", delivered).Msg("End of recording")
			return
		}
		if err != nil {
			log.Error().Err(err).Uint64("frames", delivered).Msg("Playback stopped")
			return
		}

		profile, ok := profiles[rec.Stream]
		if !ok {
			continue
		}

		if first.IsZero() {
			first = rec.Timestamp
		}
		if d.realTime.Load() {
			due := wallStart.Add(rec.Timestamp.Sub(first))
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-quit:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}

		deliver(callbacks[rec.Stream], NewFrame(rec.Stream, profile, rec.Seq, rec.Timestamp, rec.Data, nil))
		delivered++
	}
}

// Stop halts playback and waits for the delivery goroutine. It must not be
// called from a frame callback.
func (d *playbackDevice) Stop() error {
	d.mu.Lock()
	quit, done := d.quit, d.done
	d.quit = nil
	d.mu.Unlock()

	if quit == nil {
		return nil
	}
	close(quit)
	<-done
	return nil
}

func (d *playbackDevice) IsStreaming() bool {
	return d.streaming.Load()
}
