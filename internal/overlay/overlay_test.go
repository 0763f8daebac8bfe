package overlay

import (
	"image"
	"image/color"
	"testing"
)

func TestBlendImageClips(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}

	BlendImage(dst, src, 2, 2, 1.0)

	if got := dst.RGBAAt(3, 3); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("pixel (3,3) = %v, want white", got)
	}
	if got := dst.RGBAAt(1, 1); got != (color.RGBA{}) {
		t.Errorf("pixel (1,1) = %v, want untouched", got)
	}
}

func TestBlendImageOpacity(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 1, 1))
	src := image.NewUniform(color.RGBA{200, 200, 200, 255})

	BlendImage(dst, uniformRect{c: src.C, r: image.Rect(0, 0, 1, 1)}, 0, 0, 0.5)

	got := dst.RGBAAt(0, 0)
	if got.R < 95 || got.R > 105 {
		t.Errorf("half-opacity red = %d, want ~100", got.R)
	}
}

func TestTextWidgetRenders(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 30))
	w := NewTextWidget("label", 2, 2)
	w.SetText("depth #12")

	if err := w.Render(img); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	lit := 0
	for y := 0; y < 30; y++ {
		for x := 0; x < 120; x++ {
			if img.RGBAAt(x, y).R > 128 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("no glyph pixels drawn")
	}

	width, height := w.Size()
	if width <= 8 || height != lineHeight+8 {
		t.Errorf("Size = %dx%d", width, height)
	}
}

func TestManagerOrderAndDuplicates(t *testing.T) {
	m := NewManager()
	if err := m.AddWidget(NewTextWidget("a", 0, 0)); err != nil {
		t.Fatalf("AddWidget failed: %v", err)
	}
	if err := m.AddWidget(NewTextWidget("a", 0, 0)); err == nil {
		t.Error("duplicate AddWidget succeeded")
	}
	if err := m.AddWidget(NewTextWidget("b", 0, 0)); err != nil {
		t.Fatalf("AddWidget failed: %v", err)
	}
	if err := m.RemoveWidget("a"); err != nil {
		t.Fatalf("RemoveWidget failed: %v", err)
	}
	if _, ok := m.GetWidget("a"); ok {
		t.Error("widget a still present")
	}
	if _, ok := m.GetWidget("b"); !ok {
		t.Error("widget b missing")
	}

	m.SetEnabled(false)
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	w, _ := m.GetWidget("b")
	w.(*TextWidget).SetText("x")
	m.Render(img)
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatal("disabled overlay drew pixels")
		}
	}
}
