package overlay

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// lineHeight matches basicfont.Face7x13
const lineHeight = 13

// TextWidget draws a single line of text, optionally on a background box
type TextWidget struct {
	*BaseWidget

	mu        sync.RWMutex
	text      string
	textColor color.RGBA
	bgColor   *color.RGBA
	padding   int
}

// NewTextWidget creates a white label at (x, y) on a translucent black box
func NewTextWidget(id string, x, y int) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		textColor:  color.RGBA{255, 255, 255, 255},
		bgColor:    &color.RGBA{0, 0, 0, 160},
		padding:    4,
	}
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// SetText updates the text content. Safe to call while rendering.
func (w *TextWidget) SetText(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text = text
}

// Text returns the current text
func (w *TextWidget) Text() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.text
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bgColor = c
}

// Size returns the rendered width and height in pixels
func (w *TextWidget) Size() (int, int) {
	text := w.Text()
	d := &font.Drawer{Face: basicfont.Face7x13}
	return d.MeasureString(text).Ceil() + w.padding*2, lineHeight + w.padding*2
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA) error {
	w.mu.RLock()
	text, fg, bg, pad := w.text, w.textColor, w.bgColor, w.padding
	w.mu.RUnlock()

	if !w.IsEnabled() || text == "" {
		return nil
	}

	face := basicfont.Face7x13
	textWidth := (&font.Drawer{Face: face}).MeasureString(text).Ceil()

	if bg != nil {
		box := image.Rect(w.x, w.y, w.x+textWidth+pad*2, w.y+lineHeight+pad*2)
		FillRect(img, box, *bg, w.opacity)
	}

	// Draw into a scratch image so opacity applies to the glyphs too
	textImg := image.NewRGBA(image.Rect(0, 0, textWidth, lineHeight))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.Point26_6{X: 0, Y: fixed.I(face.Ascent)},
	}
	d.DrawString(text)

	BlendImage(img, textImg, w.x+pad, w.y+pad, w.opacity)
	return nil
}
