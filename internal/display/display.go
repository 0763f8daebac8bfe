// Package display previews captured frames. Every backend composes the latest
// image of each stream into a grid of tiles and presents it at a fixed rate.
package display

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// ErrClosed is returned by ShowImage after Close
var ErrClosed = errors.New("display closed")

// Sink is a preview surface
type Sink interface {
	// Name returns a human-readable name for this display type
	Name() string

	// ShowImage takes ownership of img when it returns nil. The sink releases
	// it once it is replaced or the sink closes.
	ShowImage(img *rawimage.Image) error

	// OnClose registers fn to run once when the user closes the preview
	OnClose(fn func())

	// Close shuts the preview down and releases every held image
	Close() error
}

// Config selects and sizes a display backend
type Config struct {
	// Backend is "web" or "x11"
	Backend string
	// Port is the HTTP port of the web backend
	Port int
	// Width and Height are the size of one tile
	Width  int
	Height int
	// FPS is the preview refresh rate
	FPS int
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	return c
}

// New creates and starts the backend named by cfg.Backend
func New(cfg Config, streams []stream.ID) (Sink, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(cfg.Backend) {
	case "", "web":
		w := NewWebPreview(cfg, streams)
		if err := w.Start(); err != nil {
			return nil, err
		}
		return w, nil
	case "x11":
		return NewX11Window(cfg, streams)
	default:
		return nil, fmt.Errorf("unknown display backend %q (use web or x11)", cfg.Backend)
	}
}

// closeNotifier runs the OnClose callbacks exactly once
type closeNotifier struct {
	mu    sync.Mutex
	fns   []func()
	fired bool
}

func (n *closeNotifier) OnClose(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

func (n *closeNotifier) fire() {
	n.mu.Lock()
	if n.fired {
		n.mu.Unlock()
		return
	}
	n.fired = true
	fns := n.fns
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// renderLoop composes at fps and hands each frame to present until stop closes
func renderLoop(comp *Compositor, fps int, stop <-chan struct{}, present func(*image.RGBA) error) {
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithComponent("display")
	log.Debug().Int("fps", fps).Dur("interval", interval).Msg("Render loop started")

	var lastGen uint64
	var failures int
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			gen := comp.Generation()
			if gen == lastGen {
				continue
			}
			lastGen = gen

			if err := present(comp.Compose()); err != nil {
				failures++
				if failures == 1 {
					log.Warn().Err(err).Msg("Failed to present preview")
				}
				continue
			}
			failures = 0
		}
	}
}
