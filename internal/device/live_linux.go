//go:build linux

package device

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

func fourcc(a, b, c, d byte) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// V4L2 fourcc codes for the stream formats
var pixelFormats = map[stream.Format]webcam.PixelFormat{
	stream.FormatZ16:   fourcc('Z', '1', '6', ' '),
	stream.FormatY8:    fourcc('G', 'R', 'E', 'Y'),
	stream.FormatY16:   fourcc('Y', '1', '6', ' '),
	stream.FormatRGB8:  fourcc('R', 'G', 'B', '3'),
	stream.FormatBGR8:  fourcc('B', 'G', 'R', '3'),
	stream.FormatRGBA8: fourcc('A', 'B', '2', '4'),
	stream.FormatBGRA8: fourcc('A', 'R', '2', '4'),
	stream.FormatYUYV:  fourcc('Y', 'U', 'Y', 'V'),
	stream.FormatRaw8:  fourcc('B', 'A', '8', '1'),
	stream.FormatRaw10: fourcc('B', 'G', '1', '0'),
	stream.FormatRaw16: fourcc('B', 'Y', 'R', '2'),
}

// Formats tried, in order, when a stream is enabled from a preset
var preferredFormats = map[stream.ID][]stream.Format{
	stream.Depth:     {stream.FormatZ16, stream.FormatY16},
	stream.Color:     {stream.FormatYUYV, stream.FormatRGB8, stream.FormatBGR8},
	stream.Infrared:  {stream.FormatY8, stream.FormatY16},
	stream.Infrared2: {stream.FormatY8, stream.FormatY16},
	stream.Fisheye:   {stream.FormatRaw8, stream.FormatY8},
}

func formatFor(pf webcam.PixelFormat) stream.Format {
	for f, code := range pixelFormats {
		if code == pf {
			return f
		}
	}
	return stream.FormatAny
}

type liveStream struct {
	id      stream.ID
	node    string
	cam     *webcam.Webcam
	profile stream.Profile
	enabled bool
	seq     uint64
}

// liveDevice drives one V4L2 node per stream
type liveDevice struct {
	mu        sync.Mutex
	streams   map[stream.ID]*liveStream
	callbacks map[stream.ID]FrameCallback
	buffers   uint32

	streaming atomic.Bool
	active    atomic.Int32
	quit      chan struct{}
	wg        sync.WaitGroup
	lent      lender
}

// How long Stop waits for retained frames before giving up on unmapping
const releaseTimeout = 2 * time.Second

type liveContext struct {
	dev *liveDevice
}

// NewLiveContext opens the V4L2 node of every stream in nodes. Nodes that
// fail to open are logged and skipped; the context reports no device when
// none opened.
func NewLiveContext(nodes map[stream.ID]string, buffers uint32) Context {
	log := logger.WithComponent("v4l2")

	d := &liveDevice{
		streams:   make(map[stream.ID]*liveStream),
		callbacks: make(map[stream.ID]FrameCallback),
		buffers:   buffers,
	}
	for id, node := range nodes {
		cam, err := webcam.Open(node)
		if err != nil {
			log.Warn().Err(err).Str("stream", id.String()).Str("node", node).Msg("Failed to open device node")
			continue
		}
		d.streams[id] = &liveStream{id: id, node: node, cam: cam}
		log.Debug().Str("stream", id.String()).Str("node", node).Msg("Opened device node")
	}
	return &liveContext{dev: d}
}

func (c *liveContext) Mode() Mode { return ModeLive }

func (c *liveContext) DeviceCount() int {
	if len(c.dev.streams) == 0 {
		return 0
	}
	return 1
}

func (c *liveContext) Device(index int) (Device, error) {
	if index != 0 || c.DeviceCount() == 0 {
		return nil, indexError(index, c.DeviceCount())
	}
	return c.dev, nil
}

func (c *liveContext) Close() error {
	err := c.dev.Stop()
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	for _, s := range c.dev.streams {
		s.cam.Close()
	}
	return err
}

func (d *liveDevice) Name() string {
	return "v4l2"
}

func (d *liveDevice) stream(id stream.ID) (*liveStream, error) {
	s, ok := d.streams[id]
	if !ok {
		return nil, streamError("enable", id, fmt.Errorf("no device node configured"))
	}
	return s, nil
}

func (d *liveDevice) EnableStream(id stream.ID, p stream.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.stream(id)
	if err != nil {
		return err
	}
	return s.apply(p)
}

func (d *liveDevice) EnableStreamPreset(id stream.ID, preset Preset) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.stream(id)
	if err != nil {
		return err
	}
	p, err := s.presetProfile(preset)
	if err != nil {
		return err
	}
	return s.apply(p)
}

// presetProfile picks a format, size and rate from what the node advertises
func (s *liveStream) presetProfile(preset Preset) (stream.Profile, error) {
	pf, err := s.defaultFormat()
	if err != nil {
		return stream.Profile{}, err
	}

	w, h := pickFrameSize(s.cam.GetSupportedFrameSizes(pf), preset)
	fps := 30
	switch preset {
	case PresetHighestFramerate:
		fps = 60
	case PresetLargestImage:
		fps = 15
	}
	return stream.Profile{Width: w, Height: h, FPS: fps, Format: formatFor(pf)}, nil
}

// defaultFormat returns the first preferred format the node supports
func (s *liveStream) defaultFormat() (webcam.PixelFormat, error) {
	supported := s.cam.GetSupportedFormats()

	for _, f := range preferredFormats[s.id] {
		if _, ok := supported[pixelFormats[f]]; ok {
			return pixelFormats[f], nil
		}
	}
	for code := range supported {
		if formatFor(code) != stream.FormatAny {
			return code, nil
		}
	}
	return 0, streamError("enable", s.id, fmt.Errorf("no supported pixel format on %s", s.node))
}

// pickFrameSize chooses 640x480 for best quality when offered, otherwise
// the largest (or, for the frame rate preset, smallest) size.
func pickFrameSize(sizes []webcam.FrameSize, preset Preset) (int, int) {
	const prefW, prefH = 640, 480
	if len(sizes) == 0 {
		return prefW, prefH
	}

	var bestW, bestH uint32
	for _, fs := range sizes {
		w, h := fs.MaxWidth, fs.MaxHeight
		if preset == PresetHighestFramerate {
			w, h = fs.MinWidth, fs.MinHeight
		}
		if preset == PresetBestQuality &&
			fs.MinWidth <= prefW && prefW <= fs.MaxWidth &&
			fs.MinHeight <= prefH && prefH <= fs.MaxHeight {
			return prefW, prefH
		}

		area, bestArea := uint64(w)*uint64(h), uint64(bestW)*uint64(bestH)
		switch {
		case bestW == 0:
			bestW, bestH = w, h
		case preset == PresetHighestFramerate && area < bestArea:
			bestW, bestH = w, h
		case preset != PresetHighestFramerate && area > bestArea:
			bestW, bestH = w, h
		}
	}
	return int(bestW), int(bestH)
}

// apply programs the node with p and records what the driver accepted
func (s *liveStream) apply(p stream.Profile) error {
	if p.Format == stream.FormatAny {
		pf, err := s.defaultFormat()
		if err != nil {
			return err
		}
		p.Format = formatFor(pf)
	}
	pf, ok := pixelFormats[p.Format]
	if !ok {
		return streamError("enable", s.id, fmt.Errorf("pixel format %q has no V4L2 equivalent", p.Format))
	}
	// A format-only request leaves the size and rate to the node.
	if p.Width == 0 || p.Height == 0 {
		p.Width, p.Height = pickFrameSize(s.cam.GetSupportedFrameSizes(pf), PresetBestQuality)
	}
	if p.FPS == 0 {
		p.FPS = 30
	}

	gotFormat, w, h, err := s.cam.SetImageFormat(pf, uint32(p.Width), uint32(p.Height))
	if err != nil {
		return streamError("enable", s.id, errors.Wrap(err, "Can not set image format"))
	}
	if gotFormat != pf || int(w) != p.Width || int(h) != p.Height {
		return streamError("enable", s.id, fmt.Errorf("profile %s not supported (driver offered %dx%d %s)",
			p, w, h, formatFor(gotFormat)))
	}

	fps := p.FPS
	if err := s.cam.SetFramerate(float32(p.FPS)); err != nil {
		logger.WithComponent("v4l2").Warn().Err(err).Str("stream", s.id.String()).Int("fps", p.FPS).Msg("Failed to set frame rate")
	}
	if actual, err := s.cam.GetFramerate(); err == nil && actual > 0 {
		fps = int(actual + 0.5)
	}

	s.profile = stream.Profile{Width: int(w), Height: int(h), FPS: fps, Format: p.Format}
	s.enabled = true
	return nil
}

func (d *liveDevice) SetFrameCallback(id stream.ID, cb FrameCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streaming.Load() {
		return streamError("set callback", id, fmt.Errorf("device is streaming"))
	}
	d.callbacks[id] = cb
	return nil
}

func (d *liveDevice) StreamProfile(id stream.ID) (stream.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[id]
	if !ok || !s.enabled {
		return stream.Profile{}, streamError("profile", id, fmt.Errorf("stream not enabled"))
	}
	return s.profile, nil
}

func (d *liveDevice) enabledStreams() []*liveStream {
	ids := make([]stream.ID, 0, len(d.streams))
	for id, s := range d.streams {
		if s.enabled {
			ids = append(ids, id)
		}
	}
	stream.Sort(ids)

	out := make([]*liveStream, len(ids))
	for i, id := range ids {
		out[i] = d.streams[id]
	}
	return out
}

func (d *liveDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streaming.Load() {
		return nil
	}

	enabled := d.enabledStreams()
	if len(enabled) == 0 {
		return &Error{Op: "start", Err: fmt.Errorf("no streams enabled")}
	}

	for i, s := range enabled {
		if d.buffers > 0 {
			if err := s.cam.SetBufferCount(d.buffers); err != nil {
				logger.WithComponent("v4l2").Warn().Err(err).Str("stream", s.id.String()).Msg("Failed to set buffer count")
			}
		}
		if err := s.cam.StartStreaming(); err != nil {
			for _, started := range enabled[:i] {
				started.cam.StopStreaming()
			}
			return streamError("start", s.id, errors.Wrap(err, "Can not start streaming"))
		}
	}

	d.quit = make(chan struct{})
	d.streaming.Store(true)
	for _, s := range enabled {
		d.active.Add(1)
		d.wg.Add(1)
		go d.readLoop(s, d.callbacks[s.id], d.quit)
	}

	logger.WithComponent("v4l2").Info().Int("streams", len(enabled)).Msg("Streaming started")
	return nil
}

func (d *liveDevice) readLoop(s *liveStream, cb FrameCallback, quit <-chan struct{}) {
	defer d.wg.Done()
	defer d.active.Add(-1)

	log := logger.WithComponent("v4l2").With().Str("stream", s.id.String()).Logger()
	cam := s.cam

	for {
		select {
		case <-quit:
			return
		default:
		}

		err := cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			log.Debug().Msg("Frame wait timed out")
			continue
		default:
			log.Error().Err(errors.Wrap(err, "Frame wait failed")).Msg("Stream stopped")
			return
		}

		buf, index, err := cam.GetFrame()
		if err != nil {
			log.Error().Err(errors.Wrap(err, "Read frame failed")).Msg("Stream stopped")
			return
		}
		if len(buf) == 0 {
			continue
		}

		s.seq++
		f := NewFrame(s.id, s.profile, s.seq, time.Now(), buf, d.lent.lend(func() {
			if err := cam.ReleaseFrame(index); err != nil {
				log.Debug().Err(err).Uint32("index", index).Msg("Failed to requeue buffer")
			}
		}))
		deliver(cb, f)
	}
}

func (d *liveDevice) Stop() error {
	if !d.streaming.CompareAndSwap(true, false) {
		return nil
	}

	close(d.quit)
	d.wg.Wait()

	// StopStreaming unmaps the buffers, so nothing may still point into them
	if !d.lent.wait(releaseTimeout) {
		logger.WithComponent("v4l2").Error().Int("held", d.lent.outstanding()).Msg("Frames still held, leaving buffers mapped")
		return &Error{Op: "stop", Err: ErrBuffersHeld}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, s := range d.enabledStreams() {
		if err := s.cam.StopStreaming(); err != nil && firstErr == nil {
			firstErr = streamError("stop", s.id, errors.Wrap(err, "Can not stop streaming"))
		}
	}

	logger.WithComponent("v4l2").Info().Msg("Streaming stopped")
	return firstErr
}

func (d *liveDevice) IsStreaming() bool {
	return d.streaming.Load() && d.active.Load() > 0
}

// NodeInfo describes a configured V4L2 node
type NodeInfo struct {
	Stream  stream.ID
	Node    string
	Formats []string
	Err     error
}

// DescribeNodes opens every node briefly and lists its pixel formats
func DescribeNodes(nodes map[stream.ID]string) []NodeInfo {
	ids := make([]stream.ID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	stream.Sort(ids)

	infos := make([]NodeInfo, 0, len(ids))
	for _, id := range ids {
		info := NodeInfo{Stream: id, Node: nodes[id]}
		cam, err := webcam.Open(info.Node)
		if err != nil {
			info.Err = errors.Wrap(err, "Can not open device")
			infos = append(infos, info)
			continue
		}
		for code, desc := range cam.GetSupportedFormats() {
			name := formatFor(code).String()
			if formatFor(code) == stream.FormatAny {
				name = "-"
			}
			info.Formats = append(info.Formats, fmt.Sprintf("%s (%s)", name, desc))
		}
		sort.Strings(info.Formats)
		cam.Close()
		infos = append(infos, info)
	}
	return infos
}
