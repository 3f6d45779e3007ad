// Package overlay composites status text onto preview frames. It never
// touches frames bound for the virtual camera.
package overlay

import (
	"image"
	"image/color"
	"sync"
)

// Widget is a renderable overlay element
type Widget interface {
	ID() string
	// Render draws onto img at the widget position
	Render(img *image.RGBA)
	IsEnabled() bool
	SetEnabled(enabled bool)
}

// Corner anchors a widget to an edge of the frame
type Corner int

const (
	TopLeft Corner = iota
	TopRight
	BottomLeft
	BottomRight
)

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	mu      sync.RWMutex
	id      string
	enabled bool
	corner  Corner
	margin  int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates an enabled widget anchored at corner
func NewBaseWidget(id string, corner Corner, margin int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, corner: corner, margin: margin}
	w.SetOpacity(opacity)
	return w
}

func (w *BaseWidget) ID() string { return w.id }

func (w *BaseWidget) IsEnabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

func (w *BaseWidget) SetEnabled(enabled bool) {
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
}

// Opacity returns the widget opacity
func (w *BaseWidget) Opacity() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.opacity
}

// SetOpacity clamps and sets the opacity
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0 {
		opacity = 0
	}
	if opacity > 1 {
		opacity = 1
	}
	w.mu.Lock()
	w.opacity = opacity
	w.mu.Unlock()
}

// Place returns the top-left point for a box of size within bounds
func (w *BaseWidget) Place(bounds image.Rectangle, size image.Point) image.Point {
	w.mu.RLock()
	corner, m := w.corner, w.margin
	w.mu.RUnlock()

	switch corner {
	case TopRight:
		return image.Pt(bounds.Max.X-size.X-m, bounds.Min.Y+m)
	case BottomLeft:
		return image.Pt(bounds.Min.X+m, bounds.Max.Y-size.Y-m)
	case BottomRight:
		return image.Pt(bounds.Max.X-size.X-m, bounds.Max.Y-size.Y-m)
	default:
		return image.Pt(bounds.Min.X+m, bounds.Min.Y+m)
	}
}

// BlendImage alpha-blends src onto dst with its top-left at (x, y),
// scaling source alpha by opacity. Pixels outside dst are clipped.
func BlendImage(dst, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	r := image.Rect(x, y, x+sb.Dx(), y+sb.Dy()).Intersect(dst.Bounds())
	if r.Empty() || opacity <= 0 {
		return
	}
	op := uint32(opacity * 255)

	for dy := r.Min.Y; dy < r.Max.Y; dy++ {
		sy := sb.Min.Y + dy - y
		for dx := r.Min.X; dx < r.Max.X; dx++ {
			sx := sb.Min.X + dx - x
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(dx, dy)

			a := uint32(src.Pix[si+3]) * op / 255
			if a == 0 {
				continue
			}
			inv := 255 - a
			for c := 0; c < 3; c++ {
				dst.Pix[di+c] = uint8((uint32(src.Pix[si+c])*a + uint32(dst.Pix[di+c])*inv) / 255)
			}
			dst.Pix[di+3] = uint8(a + uint32(dst.Pix[di+3])*inv/255)
		}
	}
}

// FillRect blends a solid rectangle onto dst
func FillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA, opacity float64) {
	tmp := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for i := 0; i < len(tmp.Pix); i += 4 {
		tmp.Pix[i], tmp.Pix[i+1], tmp.Pix[i+2], tmp.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	BlendImage(dst, tmp, r.Min.X, r.Min.Y, opacity)
}
