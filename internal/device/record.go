package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/recording"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// recordContext wraps another context and mirrors every frame of its
// device into a recording file
type recordContext struct {
	inner     Context
	path      string
	sessionID string

	mu  sync.Mutex
	dev *recordDevice
}

// NewRecordContext returns a context whose device tees frames into path
func NewRecordContext(inner Context, path, sessionID string) Context {
	return &recordContext{inner: inner, path: path, sessionID: sessionID}
}

func (c *recordContext) Mode() Mode { return ModeRecord }

func (c *recordContext) DeviceCount() int {
	// One recording file holds one device.
	if c.inner.DeviceCount() == 0 {
		return 0
	}
	return 1
}

func (c *recordContext) Device(index int) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index != 0 || c.DeviceCount() == 0 {
		return nil, indexError(index, c.DeviceCount())
	}
	if c.dev == nil {
		inner, err := c.inner.Device(0)
		if err != nil {
			return nil, err
		}
		c.dev = newRecordDevice(inner, c.path, c.sessionID)
	}
	return c.dev, nil
}

func (c *recordContext) Close() error {
	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()

	var err error
	if dev != nil {
		err = dev.Stop()
		if cerr := dev.closeWriter(); err == nil {
			err = cerr
		}
	}
	if cerr := c.inner.Close(); err == nil {
		err = cerr
	}
	return err
}

type recordDevice struct {
	inner     Device
	path      string
	sessionID string

	mu          sync.Mutex
	enabled     []stream.ID
	compression map[stream.ID]int
	writer      atomic.Pointer[recording.Writer]
	writeErrs   atomic.Uint64
}

func newRecordDevice(inner Device, path, sessionID string) *recordDevice {
	return &recordDevice{
		inner:       inner,
		path:        path,
		sessionID:   sessionID,
		compression: make(map[stream.ID]int),
	}
}

func (d *recordDevice) Name() string {
	return "record:" + d.inner.Name()
}

func (d *recordDevice) markEnabled(id stream.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.enabled {
		if e == id {
			return
		}
	}
	d.enabled = append(d.enabled, id)
}

func (d *recordDevice) EnableStream(id stream.ID, p stream.Profile) error {
	if err := d.inner.EnableStream(id, p); err != nil {
		return err
	}
	d.markEnabled(id)
	return nil
}

func (d *recordDevice) EnableStreamPreset(id stream.ID, preset Preset) error {
	if err := d.inner.EnableStreamPreset(id, preset); err != nil {
		return err
	}
	d.markEnabled(id)
	return nil
}

// SetFrameCallback installs a callback that writes each frame to the
// recording before handing it to cb
func (d *recordDevice) SetFrameCallback(id stream.ID, cb FrameCallback) error {
	return d.inner.SetFrameCallback(id, func(f *Frame) {
		d.write(f)
		if cb != nil {
			cb(f)
		}
	})
}

// SetCompression sets the recording compression level (0-3) of a stream
func (d *recordDevice) SetCompression(id stream.ID, level int) error {
	if err := recording.ValidateCompression(level); err != nil {
		return streamError("set compression", id, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compression[id] = level
	return nil
}

func (d *recordDevice) StreamProfile(id stream.ID) (stream.Profile, error) {
	return d.inner.StreamProfile(id)
}

func (d *recordDevice) Start() error {
	d.mu.Lock()
	header := recording.Header{
		Session: d.sessionID,
		Device:  d.inner.Name(),
	}
	for _, id := range d.enabled {
		p, err := d.inner.StreamProfile(id)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		header.Streams = append(header.Streams, recording.StreamInfo{
			Stream:      id,
			Profile:     p,
			Compression: d.compression[id],
		})
	}
	d.mu.Unlock()

	w, err := recording.Create(d.path, header)
	if err != nil {
		return &Error{Op: "record", Err: err}
	}
	d.writer.Store(w)

	if err := d.inner.Start(); err != nil {
		d.closeWriter()
		return err
	}
	return nil
}

func (d *recordDevice) write(f *Frame) {
	w := d.writer.Load()
	if w == nil {
		return
	}
	if err := w.WriteFrame(f.Stream, f.Seq, f.Timestamp, f.Data); err != nil {
		// Log the first failure only; a full disk would otherwise flood.
		if d.writeErrs.Add(1) == 1 {
			logger.WithComponent("recording").Error().Err(err).Str("path", d.path).Msg("Failed to write frame")
		}
	}
}

func (d *recordDevice) Stop() error {
	err := d.inner.Stop()
	if cerr := d.closeWriter(); err == nil {
		err = cerr
	}
	return err
}

func (d *recordDevice) closeWriter() error {
	w := d.writer.Swap(nil)
	if w == nil {
		return nil
	}
	if n := d.writeErrs.Load(); n > 0 {
		logger.WithComponent("recording").Warn().Uint64("failed_frames", n).Msg("Some frames were not recorded")
	}
	if err := w.Close(); err != nil {
		return &Error{Op: "record", Err: fmt.Errorf("%s: %w", d.path, err)}
	}
	return nil
}

func (d *recordDevice) IsStreaming() bool {
	return d.inner.IsStreaming()
}
