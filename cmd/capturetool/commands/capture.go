package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/capturetool/internal/config"
	"github.com/bryanchriswhite/capturetool/internal/device"
	"github.com/bryanchriswhite/capturetool/internal/display"
	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/recording"
	"github.com/bryanchriswhite/capturetool/internal/session"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture frames from the camera or a recording",
	Long: `Enable the requested streams and count the frames they deliver until the
first stop condition fires: Ctrl+C or closing the preview, every stream
reaching --frames, --duration running out, or the device stopping on its own.

Streams are given as NAME[:WxH@FPS][/FORMAT]. Without a profile or format the
device picks its best quality profile. Playback always uses the recorded
profiles.`,
	Example: `  # Capture 100 frames of depth and color
  capturetool capture --stream depth --stream color --frames 100

  # Record 10 seconds of 640x480 depth with medium compression
  capturetool capture --mode record --file session.rec \
    --stream depth:640x480@30/z16 --compression depth=2 --duration 10

  # Replay a recording as fast as possible with a browser preview
  capturetool capture --mode playback --file session.rec --stream depth \
    --real-time=false --render`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

type captureOptions struct {
	mode          string
	file          string
	streams       []string
	frames        uint64
	duration      uint
	compression   []string
	realTime      bool
	render        bool
	displayName   string
	printFileInfo bool
}

var captureOpts captureOptions

func init() {
	rootCmd.AddCommand(captureCmd)

	f := captureCmd.Flags()
	f.StringVarP(&captureOpts.mode, "mode", "m", "live", "device context (live, record or playback)")
	f.StringVarP(&captureOpts.file, "file", "f", "", "recording file for record and playback modes")
	f.StringArrayVarP(&captureOpts.streams, "stream", "s", nil, "stream to enable as NAME[:WxH@FPS][/FORMAT] (repeatable)")
	f.Uint64VarP(&captureOpts.frames, "frames", "n", 0, "stop once every stream delivered this many frames (0 = unlimited)")
	f.UintVarP(&captureOpts.duration, "duration", "t", 0, "stop after this many seconds (0 = unlimited)")
	f.StringArrayVarP(&captureOpts.compression, "compression", "c", nil, "record compression as STREAM=LEVEL, level 0-3 (repeatable)")
	f.BoolVar(&captureOpts.realTime, "real-time", true, "pace playback at the recorded frame rate")
	f.BoolVarP(&captureOpts.render, "render", "r", false, "preview the streams")
	f.StringVar(&captureOpts.displayName, "display", "", "preview backend (web or x11, default from config)")
	f.BoolVar(&captureOpts.printFileInfo, "print-file-info", false, "print the recording header before capturing")
}

func runCapture(cmd *cobra.Command, args []string) (err error) {
	out := cmd.OutOrStdout()
	opts := captureOpts

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	mode, err := device.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	if mode != device.ModeLive && opts.file == "" {
		return fmt.Errorf("%s mode requires --file", mode)
	}
	reqs, err := stream.ParseRequests(opts.streams)
	if err != nil {
		return err
	}
	if err := applyCompression(reqs, opts.compression, cfg.DefaultCompression); err != nil {
		return err
	}

	printSelection(out, mode, opts, reqs)

	if opts.printFileInfo {
		switch {
		case opts.file == "":
			return fmt.Errorf("--print-file-info requires --file")
		case mode == device.ModeRecord:
			fmt.Fprintln(out, "file info: not available until the recording is written")
		default:
			if err := printFileInfo(out, opts.file); err != nil {
				return err
			}
		}
	}

	if len(reqs) == 0 {
		return nil
	}

	sessionID := uuid.NewString()
	log := logger.WithSession("capture", sessionID)

	ctx, err := device.NewContext(device.ContextOptions{
		Mode:      mode,
		Path:      opts.file,
		Nodes:     configMgr.StreamNodes(),
		Buffers:   uint32(cfg.Buffers),
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	defer closeInto(ctx, "device context", &err, log)

	dev, err := device.FirstDevice(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("device", dev.Name()).Str("mode", mode.String()).Msg("Device opened")

	state := session.NewState()
	ids := stream.IDs(reqs)

	var preview session.Display
	if opts.render {
		disp, err := openDisplay(cfg, opts.displayName, ids)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := disp.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to close preview")
			}
		}()
		disp.OnClose(func() {
			session.UserQuit(state, out, "preview closed")
		})
		log.Info().Str("display", disp.Name()).Msg("Preview enabled")
		preview = disp
	}

	stopSignals := session.NotifyInterrupt(state, out)
	defer stopSignals()

	sink := session.NewSink(state, preview)
	configureOpts := session.ConfigureOptions{Mode: mode, RealTime: opts.realTime}
	if err := session.Configure(dev, reqs, configureOpts, sink.OnFrame, out); err != nil {
		return err
	}

	if err := dev.Start(); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	}

	coord := session.NewCoordinator(state, dev, session.Config{
		Frames:   opts.frames,
		Duration: time.Duration(opts.duration) * time.Second,
		Streams:  ids,
	}, out)
	coord.Interval = configMgr.PollInterval()
	reason, stopErr := coord.Run(cmd.Context())

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	}

	event := log.Info().Str("reason", reason.String()).Uint64("preview_dropped", sink.Dropped())
	for id, n := range state.Counts() {
		event = event.Uint64(id.String(), n)
	}
	event.Msg("Capture summary")
	return stopErr
}

// closeInto closes c and reports a failure through *errp unless an earlier
// error is already set
func closeInto(c io.Closer, what string, errp *error, log *zerolog.Logger) {
	cerr := c.Close()
	if cerr == nil {
		return
	}
	log.Error().Err(cerr).Msgf("Failed to close %s", what)
	if *errp == nil {
		*errp = fmt.Errorf("failed to close %s: %w", what, cerr)
	}
}

// applyCompression parses STREAM=LEVEL specs onto the matching requests.
// Streams without a spec get def.
func applyCompression(reqs []stream.Request, specs []string, def int) error {
	if err := recording.ValidateCompression(def); err != nil {
		return fmt.Errorf("default_compression: %w", err)
	}
	for i := range reqs {
		reqs[i].Compression = def
	}

	for _, spec := range specs {
		name, value, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("invalid compression %q (use STREAM=LEVEL)", spec)
		}
		id, err := stream.ParseID(name)
		if err != nil {
			return err
		}
		level, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid compression level %q for %s", value, id)
		}
		if err := recording.ValidateCompression(level); err != nil {
			return fmt.Errorf("stream %s: %w", id, err)
		}

		found := false
		for i := range reqs {
			if reqs[i].ID == id {
				reqs[i].Compression = level
				found = true
			}
		}
		if !found {
			return fmt.Errorf("compression given for %s, which is not requested", id)
		}
	}
	return nil
}

func openDisplay(cfg *config.Config, backend string, ids []stream.ID) (display.Sink, error) {
	if backend == "" {
		backend = cfg.Display.Backend
	}
	return display.New(display.Config{
		Backend: backend,
		Port:    cfg.Display.Port,
		Width:   cfg.Display.Width,
		Height:  cfg.Display.Height,
		FPS:     cfg.Display.FPS,
	}, ids)
}

// printSelection echoes what is about to run
func printSelection(out io.Writer, mode device.Mode, opts captureOptions, reqs []stream.Request) {
	fmt.Fprintln(out, "selection:")
	fmt.Fprintf(out, "\tmode: %s\n", mode)
	if opts.file != "" {
		fmt.Fprintf(out, "\tfile: %s\n", opts.file)
	}
	if len(reqs) == 0 {
		fmt.Fprintln(out, "\tstreams: none")
	} else {
		fmt.Fprintln(out, "\tstreams:")
		for _, r := range reqs {
			line := "\t\t" + r.String()
			if !r.Explicit() || mode == device.ModePlayback {
				line += " (best quality)"
			}
			if mode == device.ModeRecord {
				line += fmt.Sprintf(" compression:%d", r.Compression)
			}
			fmt.Fprintln(out, line)
		}
	}
	if opts.frames > 0 {
		fmt.Fprintf(out, "\tframes: %d\n", opts.frames)
	}
	if opts.duration > 0 {
		fmt.Fprintf(out, "\tduration: %d seconds\n", opts.duration)
	}
	if mode == device.ModePlayback {
		fmt.Fprintf(out, "\treal time: %t\n", opts.realTime)
	}
	fmt.Fprintf(out, "\trender: %t\n", opts.render)
}
