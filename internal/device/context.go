package device

import (
	"fmt"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// ContextOptions selects and configures a device context
type ContextOptions struct {
	Mode Mode
	// Path is the recording file for record and playback modes
	Path string
	// Nodes maps streams to V4L2 device nodes for live and record modes
	Nodes map[stream.ID]string
	// Buffers is the number of driver buffers per stream
	Buffers uint32
	// SessionID is stored in recordings
	SessionID string
}

// NewContext creates the context for opts.Mode
func NewContext(opts ContextOptions) (Context, error) {
	log := logger.WithComponent("device")

	switch opts.Mode {
	case ModeLive:
		log.Debug().Int("nodes", len(opts.Nodes)).Msg("Creating live context")
		return NewLiveContext(opts.Nodes, opts.Buffers), nil

	case ModeRecord:
		if opts.Path == "" {
			return nil, fmt.Errorf("record mode requires a file path")
		}
		log.Debug().Str("path", opts.Path).Msg("Creating record context")
		return NewRecordContext(NewLiveContext(opts.Nodes, opts.Buffers), opts.Path, opts.SessionID), nil

	case ModePlayback:
		if opts.Path == "" {
			return nil, fmt.Errorf("playback mode requires a file path")
		}
		log.Debug().Str("path", opts.Path).Msg("Creating playback context")
		return OpenPlayback(opts.Path)

	default:
		return nil, fmt.Errorf("unsupported mode %d", opts.Mode)
	}
}

// FirstDevice returns device 0, or ErrNoDevice when the context is empty
func FirstDevice(ctx Context) (Device, error) {
	if ctx.DeviceCount() == 0 {
		return nil, ErrNoDevice
	}
	return ctx.Device(0)
}

func indexError(index, count int) error {
	return fmt.Errorf("device index %d out of range (%d devices)", index, count)
}
