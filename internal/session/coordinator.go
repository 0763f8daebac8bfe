package session

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// DefaultInterval is how often the stop condition is re-evaluated
const DefaultInterval = 15 * time.Millisecond

// Config holds the stop conditions of a session. Zero values mean no limit.
type Config struct {
	// Frames is the per-stream frame quota
	Frames uint64
	// Duration is the wall-clock budget
	Duration time.Duration
	// Streams are the requested streams the quota applies to
	Streams []stream.ID
}

// Reason says why a session stopped
type Reason int

const (
	Running Reason = iota
	Interrupted
	DeviceStopped
	ConditionMet
)

func (r Reason) String() string {
	switch r {
	case Running:
		return "running"
	case Interrupted:
		return "interrupted"
	case DeviceStopped:
		return "device stopped"
	case ConditionMet:
		return "condition met"
	default:
		return "unknown"
	}
}

// Snapshot is the input of one stop evaluation
type Snapshot struct {
	Interrupted bool
	Streaming   bool
	Elapsed     time.Duration
	Counts      map[stream.ID]uint64
}

// ShouldStop evaluates the stop condition for one snapshot. The result only
// moves away from Running as elapsed time and counts grow.
func ShouldStop(s Snapshot, cfg Config) Reason {
	if s.Interrupted {
		return Interrupted
	}
	if !s.Streaming {
		return DeviceStopped
	}
	if cfg.Duration > 0 && s.Elapsed > cfg.Duration {
		return ConditionMet
	}
	if quotaMet(s.Counts, cfg) {
		return ConditionMet
	}
	return Running
}

// quotaMet requires a counter for every requested stream, so a stream that
// has not delivered yet holds the session open.
func quotaMet(counts map[stream.ID]uint64, cfg Config) bool {
	if cfg.Frames == 0 || len(counts) != len(cfg.Streams) {
		return false
	}
	for _, id := range cfg.Streams {
		if counts[id] < cfg.Frames {
			return false
		}
	}
	return true
}

// Device is what the coordinator needs from a streaming device
type Device interface {
	Stop() error
	IsStreaming() bool
}

// Coordinator blocks until the session should stop, then stops the device
type Coordinator struct {
	// Interval bounds how long the loop sleeps between evaluations
	Interval time.Duration

	state *State
	dev   Device
	cfg   Config
	out   io.Writer
	now   func() time.Time
	log   *zerolog.Logger

	once   sync.Once
	start  time.Time
	reason Reason
	err    error
}

// NewCoordinator returns a coordinator for dev. Console lines go to out.
func NewCoordinator(state *State, dev Device, cfg Config, out io.Writer) *Coordinator {
	if out == nil {
		out = io.Discard
	}
	return &Coordinator{
		Interval: DefaultInterval,
		state:    state,
		dev:      dev,
		cfg:      cfg,
		out:      out,
		now:      time.Now,
		log:      logger.WithComponent("session"),
	}
}

// Evaluate reads the current state and returns the stop reason at now
func (c *Coordinator) Evaluate(now time.Time) Reason {
	return ShouldStop(Snapshot{
		Interrupted: c.state.Interrupted(),
		Streaming:   c.dev.IsStreaming(),
		Elapsed:     now.Sub(c.start),
		Counts:      c.state.Counts(),
	}, c.cfg)
}

// Run announces the stop conditions and waits until one of them holds or
// ctx is done, which counts as an interrupt. It stops the device if it is
// still streaming and returns the stop reason along with any error from
// stopping it. Later calls return the same results without touching the
// device.
func (c *Coordinator) Run(ctx context.Context) (Reason, error) {
	c.once.Do(func() {
		c.reason, c.err = c.run(ctx)
	})
	return c.reason, c.err
}

func (c *Coordinator) run(ctx context.Context) (Reason, error) {
	c.start = c.now()
	fmt.Fprintln(c.out, c.announcement())

	c.log.Info().
		Uint64("frames", c.cfg.Frames).
		Dur("duration", c.cfg.Duration).
		Int("streams", len(c.cfg.Streams)).
		Msg("Capture started")

	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reason := c.Evaluate(c.now())
	for reason == Running {
		select {
		case <-c.state.Wake():
		case <-ticker.C:
		case <-ctx.Done():
			c.state.RequestShutdown(ctx.Err().Error())
		}
		reason = c.Evaluate(c.now())
	}

	var stopErr error
	if c.dev.IsStreaming() {
		if err := c.dev.Stop(); err != nil {
			c.log.Error().Err(err).Msg("Failed to stop device")
			stopErr = fmt.Errorf("failed to stop device: %w", err)
		}
	}

	ev := c.log.Info().
		Str("reason", reason.String()).
		Dur("elapsed", c.now().Sub(c.start)).
		Interface("frames", c.state.Counts())
	if reason == Interrupted {
		ev = ev.Str("cause", c.state.ShutdownReason())
	}
	ev.Msg("Capture finished")

	fmt.Fprintln(c.out, "done capturing")
	return reason, stopErr
}

func (c *Coordinator) announcement() string {
	var b strings.Builder
	b.WriteString("start capturing ")
	if c.cfg.Frames > 0 {
		b.WriteString(strconv.FormatUint(c.cfg.Frames, 10))
		b.WriteString(" frames ")
	}
	if c.cfg.Duration > 0 {
		b.WriteString("for ")
		b.WriteString(strconv.FormatFloat(c.cfg.Duration.Seconds(), 'f', -1, 64))
		b.WriteString(" second")
	}
	return strings.TrimRight(b.String(), " ")
}
