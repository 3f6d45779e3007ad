package output

import (
	"image"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/overlay"
)

// render produces a private copy of f at the configured size with the overlay
// applied. buf is reused when its size matches.
func render(buf *image.RGBA, f *frame.Frame, width, height int, ov *overlay.Manager) *image.RGBA {
	src := f.Image
	if width <= 0 || height <= 0 {
		width, height = src.Bounds().Dx(), src.Bounds().Dy()
	}
	if buf == nil || buf.Bounds().Dx() != width || buf.Bounds().Dy() != height {
		buf = image.NewRGBA(image.Rect(0, 0, width, height))
	}

	if src.Bounds().Size() == buf.Bounds().Size() {
		copy(buf.Pix, src.Pix)
	} else {
		frame.Fit(buf, src)
	}
	if ov != nil {
		ov.Render(buf)
	}
	return buf
}
