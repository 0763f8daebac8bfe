package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/overlay"
	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

var background = color.RGBA{16, 16, 16, 255}

// Compositor keeps the latest image of each stream and lays them out in a grid
type Compositor struct {
	tileW, tileH int
	cols, rows   int

	mu      sync.Mutex
	tiles   map[stream.ID]int
	latest  map[stream.ID]*rawimage.Image
	frames  map[stream.ID]uint64
	gen     uint64
	closed  bool
	overlay *overlay.Manager
	labels  map[stream.ID]*overlay.TextWidget
}

// NewCompositor lays out one tileW x tileH tile per stream
func NewCompositor(streams []stream.ID, tileW, tileH int) *Compositor {
	n := len(streams)
	if n == 0 {
		n = 1
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols

	c := &Compositor{
		tileW:   tileW,
		tileH:   tileH,
		cols:    cols,
		rows:    rows,
		tiles:   make(map[stream.ID]int, len(streams)),
		latest:  make(map[stream.ID]*rawimage.Image, len(streams)),
		frames:  make(map[stream.ID]uint64, len(streams)),
		overlay: overlay.NewManager(),
		labels:  make(map[stream.ID]*overlay.TextWidget, len(streams)),
	}
	for i, id := range streams {
		c.tiles[id] = i
		r := c.tileRect(i)
		label := overlay.NewTextWidget(id.String(), r.Min.X+4, r.Min.Y+4)
		label.SetText(id.String())
		c.labels[id] = label
		if err := c.overlay.AddWidget(label); err != nil {
			logger.WithComponent("display").Warn().Err(err).Msg("Failed to add tile label")
		}
	}
	return c
}

// Size returns the composed image size
func (c *Compositor) Size() (int, int) {
	return c.cols * c.tileW, c.rows * c.tileH
}

func (c *Compositor) tileRect(i int) image.Rectangle {
	x := (i % c.cols) * c.tileW
	y := (i / c.cols) * c.tileH
	return image.Rect(x, y, x+c.tileW, y+c.tileH)
}

// Put stores img as the latest image of its stream, releasing the one it
// replaces. It takes ownership of img only when it returns nil.
func (c *Compositor) Put(img *rawimage.Image) error {
	id := img.Stream()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.tiles[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("stream %s has no preview tile", id)
	}
	prev := c.latest[id]
	c.latest[id] = img
	c.frames[id]++
	c.gen++
	c.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return nil
}

// Generation changes every time an image is put
func (c *Compositor) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Frames returns how many images each stream has shown
func (c *Compositor) Frames() map[stream.ID]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[stream.ID]uint64, len(c.frames))
	for id, n := range c.frames {
		out[id] = n
	}
	return out
}

// Compose renders every tile with its label
func (c *Compositor) Compose() *image.RGBA {
	w, h := c.Size()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	c.mu.Lock()
	for id, img := range c.latest {
		// Images leave the map under the lock before they are released
		r := c.tileRect(c.tiles[id])
		var rgba *image.RGBA
		var err error
		img.View(func(data []byte) {
			rgba, err = ToRGBA(img.Info(), data)
		})
		if err != nil {
			c.labels[id].SetText(fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if rgba != nil {
			scaleInto(out, r, rgba)
		}
		info := img.Info()
		c.labels[id].SetText(fmt.Sprintf("%s #%d %dx%d %s", id, img.Seq(), info.Width, info.Height, info.Format))
	}
	c.mu.Unlock()

	c.overlay.Render(out)
	return out
}

// Close releases every held image. Later Puts fail with ErrClosed.
func (c *Compositor) Close() {
	c.mu.Lock()
	held := make([]*rawimage.Image, 0, len(c.latest))
	for id, img := range c.latest {
		held = append(held, img)
		delete(c.latest, id)
	}
	c.closed = true
	c.mu.Unlock()

	for _, img := range held {
		img.Release()
	}
}
