package platform

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/servidesk/servidesk/internal/stream"
)

// JPEGEncoder is the portable software encoder: BGRA frames in, baseline
// JPEG out.
type JPEGEncoder struct{}

// NewEncoder returns the software JPEG encoder.
func NewEncoder() stream.Encoder {
	return JPEGEncoder{}
}

// EncodeFrame encodes the whole frame.
func (JPEGEncoder) EncodeFrame(f *stream.Frame, quality int) ([]byte, error) {
	return encodeRect(f, stream.Rect{X: 0, Y: 0, W: f.Width, H: f.Height}, quality)
}

// EncodeRegion encodes one dirty rectangle.
func (JPEGEncoder) EncodeRegion(f *stream.Frame, r stream.Rect, quality int) ([]byte, error) {
	return encodeRect(f, r, quality)
}

func encodeRect(f *stream.Frame, r stream.Rect, quality int) ([]byte, error) {
	if r.X < 0 || r.Y < 0 || r.W <= 0 || r.H <= 0 || r.X+r.W > f.Width || r.Y+r.H > f.Height {
		return nil, fmt.Errorf("region %+v outside %dx%d frame", r, f.Width, f.Height)
	}
	if len(f.Pix) < f.Width*f.Height*4 {
		return nil, fmt.Errorf("frame buffer too small: %d bytes for %dx%d", len(f.Pix), f.Width, f.Height)
	}
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	img := image.NewRGBA(image.Rect(0, 0, r.W, r.H))
	stride := f.Width * 4
	for row := 0; row < r.H; row++ {
		src := f.Pix[(r.Y+row)*stride+r.X*4:]
		dst := img.Pix[row*img.Stride:]
		for col := 0; col < r.W; col++ {
			// BGRA → RGBA
			dst[col*4+0] = src[col*4+2]
			dst[col*4+1] = src[col*4+1]
			dst[col*4+2] = src[col*4+0]
			dst[col*4+3] = 0xFF
		}
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
