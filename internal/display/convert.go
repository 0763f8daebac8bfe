package display

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// maxDepthMM is the far end of the depth preview ramp
const maxDepthMM = 4000

// ToRGBA converts a raw frame buffer into an RGBA image for preview
func ToRGBA(info rawimage.Info, data []byte) (*image.RGBA, error) {
	w, h := info.Width, info.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	if need := required(info); len(data) < need {
		return nil, fmt.Errorf("short %s frame: %d bytes, want %d", info.Format, len(data), need)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	pix := img.Pix
	n := w * h

	switch info.Format {
	case stream.FormatRGB8:
		for i := 0; i < n; i++ {
			pix[i*4], pix[i*4+1], pix[i*4+2], pix[i*4+3] = data[i*3], data[i*3+1], data[i*3+2], 0xff
		}
	case stream.FormatBGR8:
		for i := 0; i < n; i++ {
			pix[i*4], pix[i*4+1], pix[i*4+2], pix[i*4+3] = data[i*3+2], data[i*3+1], data[i*3], 0xff
		}
	case stream.FormatRGBA8:
		copy(pix, data[:n*4])
	case stream.FormatBGRA8:
		for i := 0; i < n; i++ {
			pix[i*4], pix[i*4+1], pix[i*4+2], pix[i*4+3] = data[i*4+2], data[i*4+1], data[i*4], data[i*4+3]
		}
	case stream.FormatYUYV:
		// Y0 U Y1 V covers two pixels
		for i := 0; i+1 < n; i += 2 {
			y0, u, y1, v := data[i*2], data[i*2+1], data[i*2+2], data[i*2+3]
			r, g, b := color.YCbCrToRGB(y0, u, v)
			setRGB(pix, i, r, g, b)
			r, g, b = color.YCbCrToRGB(y1, u, v)
			setRGB(pix, i+1, r, g, b)
		}
	case stream.FormatY8, stream.FormatRaw8:
		for i := 0; i < n; i++ {
			setGray(pix, i, data[i])
		}
	case stream.FormatY16, stream.FormatRaw16:
		for i := 0; i < n; i++ {
			setGray(pix, i, uint8(binary.LittleEndian.Uint16(data[i*2:])>>8))
		}
	case stream.FormatRaw10:
		// MIPI packing: four high bytes then one byte of low bits
		for i := 0; i < n; i++ {
			setGray(pix, i, data[(i/4)*5+i%4])
		}
	case stream.FormatZ16:
		for i := 0; i < n; i++ {
			d := binary.LittleEndian.Uint16(data[i*2:])
			if d == 0 {
				setGray(pix, i, 0)
				continue
			}
			if d > maxDepthMM {
				d = maxDepthMM
			}
			// Near is bright
			setGray(pix, i, uint8(255-int(d)*255/maxDepthMM))
		}
	default:
		return nil, fmt.Errorf("unsupported preview format %q", info.Format)
	}
	return img, nil
}

func required(info rawimage.Info) int {
	n := info.Width * info.Height
	switch info.Format {
	case stream.FormatRaw10:
		return (n + 3) / 4 * 5
	default:
		return n * info.Format.BitsPerPixel() / 8
	}
}

func setRGB(pix []byte, i int, r, g, b uint8) {
	pix[i*4], pix[i*4+1], pix[i*4+2], pix[i*4+3] = r, g, b, 0xff
}

func setGray(pix []byte, i int, v uint8) {
	setRGB(pix, i, v, v, v)
}

// scaleInto draws src into r of dst with nearest-neighbour sampling,
// keeping the aspect ratio and centering the result
func scaleInto(dst *image.RGBA, r image.Rectangle, src *image.RGBA) {
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	if sw == 0 || sh == 0 || r.Empty() {
		return
	}

	scale := float64(r.Dx()) / float64(sw)
	if s := float64(r.Dy()) / float64(sh); s < scale {
		scale = s
	}
	dw, dh := int(float64(sw)*scale), int(float64(sh)*scale)
	if dw == 0 || dh == 0 {
		return
	}
	ox := r.Min.X + (r.Dx()-dw)/2
	oy := r.Min.Y + (r.Dy()-dh)/2

	for dy := 0; dy < dh; dy++ {
		sy := dy * sh / dh
		srow := src.PixOffset(src.Bounds().Min.X, src.Bounds().Min.Y+sy)
		drow := dst.PixOffset(ox, oy+dy)
		for dx := 0; dx < dw; dx++ {
			sx := dx * sw / dw
			copy(dst.Pix[drow+dx*4:drow+dx*4+4], src.Pix[srow+sx*4:srow+sx*4+4])
		}
	}
}
