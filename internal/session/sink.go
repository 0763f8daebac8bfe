package session

import (
	"sync/atomic"

	"github.com/bryanchriswhite/capturetool/internal/device"
	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/rawimage"
)

// Display receives images for preview. ShowImage takes ownership of img
// only when it returns nil.
type Display interface {
	ShowImage(img *rawimage.Image) error
}

// Sink is the frame callback of a session
type Sink struct {
	state   *State
	display Display
	dropped atomic.Uint64
}

// NewSink returns a sink that counts frames into state and, when display is
// not nil, forwards them for preview
func NewSink(state *State, display Display) *Sink {
	return &Sink{state: state, display: display}
}

// OnFrame is a device.FrameCallback
func (s *Sink) OnFrame(f *device.Frame) {
	s.state.RecordFrame(f.Stream)
	if s.display == nil {
		return
	}

	img := f.Image()
	if err := s.display.ShowImage(img); err != nil {
		img.Release()
		if s.dropped.Add(1) == 1 {
			logger.WithComponent("session").Warn().Err(err).Str("stream", f.Stream.String()).Msg("Preview rejected frame")
		}
	}
}

// Dropped returns how many frames the display rejected
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}
