package session

import (
	"fmt"
	"io"

	"github.com/bryanchriswhite/capturetool/internal/device"
	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// ConfigureOptions carries the mode dependent knobs of Configure
type ConfigureOptions struct {
	Mode device.Mode
	// RealTime paces playback at the recorded cadence
	RealTime bool
}

// Configure enables every requested stream on dev and registers cb for each
// of them before it is enabled. Playback, and requests without an explicit
// profile or format, get the device's best quality preset. The resolved
// profiles are printed to out. Device errors are returned unchanged apart
// from wrapping.
func Configure(dev device.Device, reqs []stream.Request, opts ConfigureOptions, cb device.FrameCallback, out io.Writer) error {
	log := logger.WithComponent("session")
	playback := opts.Mode == device.ModePlayback
	record := opts.Mode == device.ModeRecord

	var compression device.CompressionControl
	if record {
		cc, ok := dev.(device.CompressionControl)
		if !ok {
			return fmt.Errorf("device %s does not support compression in record mode", dev.Name())
		}
		compression = cc
	}

	fmt.Fprintln(out, "enabled streams:")
	for _, req := range reqs {
		if err := dev.SetFrameCallback(req.ID, cb); err != nil {
			return fmt.Errorf("failed to register callback for %s: %w", req.ID, err)
		}

		if playback || !req.Explicit() {
			if err := dev.EnableStreamPreset(req.ID, device.PresetBestQuality); err != nil {
				return fmt.Errorf("failed to enable %s: %w", req.ID, err)
			}
		} else {
			if err := dev.EnableStream(req.ID, req.Profile); err != nil {
				return fmt.Errorf("failed to enable %s with %s: %w", req.ID, req.Profile, err)
			}
		}

		if compression != nil {
			if err := compression.SetCompression(req.ID, req.Compression); err != nil {
				return fmt.Errorf("failed to set compression for %s: %w", req.ID, err)
			}
		}

		profile, err := dev.StreamProfile(req.ID)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", req.ID, err)
		}
		fmt.Fprintf(out, "\t%s - %s\n", req.ID, profile)

		log.Debug().
			Str("stream", req.ID.String()).
			Bool("preset", playback || !req.Explicit()).
			Str("profile", profile.String()).
			Msg("Stream enabled")
	}

	if playback {
		if pc, ok := dev.(device.PlaybackPacingControl); ok {
			pc.SetRealTime(opts.RealTime)
		} else {
			log.Warn().Str("device", dev.Name()).Msg("Playback device has no pacing control")
		}
	}
	return nil
}
