package overlay

import (
	"image"
	"image/color"
)

// Widget is something drawn on top of a preview frame
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto img
	Render(img *image.RGBA) error

	IsEnabled() bool
	SetEnabled(enabled bool)
}

// BaseWidget holds the position and opacity shared by all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// Position returns the widget's top-left corner
func (w *BaseWidget) Position() (int, int) {
	return w.x, w.y
}

// SetPosition moves the widget
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity, clamped to 0.0-1.0
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

// BlendImage draws src onto dst with its top-left corner at (x, y), scaling
// the source alpha by opacity. Pixels outside dst are clipped.
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + (sy - sb.Min.Y)
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + (sx - sb.Min.X)
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}

			sr, sg, sbl, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) / 0xffff * opacity
			if alpha <= 0 {
				continue
			}

			// Source channels are premultiplied; dst is treated as opaque.
			i := dst.PixOffset(dx, dy)
			p := dst.Pix[i : i+4 : i+4]
			p[0] = blend(p[0], sr, alpha, opacity)
			p[1] = blend(p[1], sg, alpha, opacity)
			p[2] = blend(p[2], sbl, alpha, opacity)
			p[3] = 0xff
		}
	}
}

func blend(d uint8, s uint32, alpha, opacity float64) uint8 {
	v := float64(s)/0xffff*255*opacity + float64(d)*(1-alpha)
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// FillRect blends a solid rectangle onto dst
func FillRect(dst *image.RGBA, r image.Rectangle, c color.Color, opacity float64) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	BlendImage(dst, uniformRect{c: c, r: r}, r.Min.X, r.Min.Y, opacity)
}

// uniformRect is a bounded uniform image
type uniformRect struct {
	c color.Color
	r image.Rectangle
}

func (u uniformRect) ColorModel() color.Model { return color.RGBAModel }
func (u uniformRect) Bounds() image.Rectangle { return u.r }
func (u uniformRect) At(x, y int) color.Color { return u.c }
