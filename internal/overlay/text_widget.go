package overlay

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextWidget displays one or more lines of text on a translucent box
type TextWidget struct {
	*BaseWidget
	lines     []string
	textColor color.RGBA
	bgColor   *color.RGBA
	padding   int
}

// NewTextWidget creates a text widget with a dark background
func NewTextWidget(id string, corner Corner) *TextWidget {
	bg := color.RGBA{0, 0, 0, 160}
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, corner, 8, 1.0),
		textColor:  color.RGBA{255, 255, 255, 255},
		bgColor:    &bg,
		padding:    5,
	}
}

// SetText replaces the content; newlines split lines
func (w *TextWidget) SetText(text string) {
	var lines []string
	if text != "" {
		lines = strings.Split(text, "\n")
	}
	w.mu.Lock()
	w.lines = lines
	w.mu.Unlock()
}

// Text returns the current content
func (w *TextWidget) Text() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return strings.Join(w.lines, "\n")
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.mu.Lock()
	w.textColor = c
	w.mu.Unlock()
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.mu.Lock()
	w.bgColor = c
	w.mu.Unlock()
}

// Size returns the rendered box size
func (w *TextWidget) Size() image.Point {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size()
}

func (w *TextWidget) size() image.Point {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	width := 0
	for _, line := range w.lines {
		if px := d.MeasureString(line).Ceil(); px > width {
			width = px
		}
	}
	return image.Pt(width+w.padding*2, len(w.lines)*face.Height+w.padding*2)
}

func (w *TextWidget) Render(img *image.RGBA) {
	if !w.IsEnabled() {
		return
	}
	opacity := w.Opacity()

	w.mu.RLock()
	lines := w.lines
	size := w.size()
	fg, bg, pad := w.textColor, w.bgColor, w.padding
	w.mu.RUnlock()

	if len(lines) == 0 {
		return
	}
	face := basicfont.Face7x13

	box := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	if bg != nil {
		FillRect(box, box.Bounds(), *bg, 1.0)
	}

	d := &font.Drawer{
		Dst:  box,
		Src:  image.NewUniform(fg),
		Face: face,
	}
	for i, line := range lines {
		d.Dot = fixed.P(pad, pad+face.Ascent+i*face.Height)
		d.DrawString(line)
	}

	at := w.Place(img.Bounds(), size)
	BlendImage(img, box, at.X, at.Y, opacity)
}
