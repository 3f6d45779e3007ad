// Package frame decodes compressed still images received from the phone into
// raster frames and converts them to the channel orders consumers require.
//
// Decoded frames are always RGBA, four bytes per pixel, rows packed with a
// stride of Width*4 and origin at (0, 0). Consumers that need another layout
// (the virtual camera wants RGB24, the X11 preview wants BGRx) convert
// explicitly with the helpers in convert.go.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"

	// Registered decoders: the phone sends JPEG, the rest are accepted so a
	// producer may switch encodings without a protocol change.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecode is wrapped by every error returned from Decode
var ErrDecode = errors.New("frame decode failed")

// Frame is a decoded raster frame. It is read-only once published.
type Frame struct {
	// Seq is the 1-based index of the frame within its session
	Seq uint64
	// Timestamp is when the payload finished arriving
	Timestamp time.Time
	// Image holds RGBA pixels with bounds starting at (0, 0)
	Image *image.RGBA
}

// Width in pixels
func (f *Frame) Width() int {
	return f.Image.Rect.Dx()
}

// Height in pixels
func (f *Frame) Height() int {
	return f.Image.Rect.Dy()
}

// Resolution formats the frame size as WxH
func (f *Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width(), f.Height())
}

// DefaultMaxPixels bounds the declared size of a payload Decode accepts
const DefaultMaxPixels = 8192 * 8192

// Decode parses a compressed image payload into an RGBA frame, rejecting
// images larger than DefaultMaxPixels. Malformed input yields an error
// wrapping ErrDecode; it never panics.
func Decode(data []byte) (*Frame, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel budget. The header is checked
// against maxPixels before any pixel buffer is allocated, so a tiny payload
// declaring a huge image costs nothing. maxPixels <= 0 uses DefaultMaxPixels.
func DecodeLimit(data []byte, maxPixels int) (f *Frame, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	// Third-party decoders have panicked on hostile input before
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrDecode, r)
		}
	}()

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s header declares %dx%d", ErrDecode, format, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %s header declares %dx%d, exceeds %d pixels",
			ErrDecode, format, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %s image has empty bounds %v", ErrDecode, format, b)
	}

	return &Frame{Image: toRGBA(img)}, nil
}

// FromRGBA wraps an existing RGBA image, normalizing its origin
func FromRGBA(img *image.RGBA) *Frame {
	return &Frame{Image: toRGBA(img)}
}

// toRGBA returns img as an *image.RGBA anchored at the origin with a packed stride
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == b.Dx()*4 {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
