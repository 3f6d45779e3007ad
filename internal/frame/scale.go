package frame

import (
	"image"

	"golang.org/x/image/draw"
)

// Fit scales src into dst preserving aspect ratio, centered on black
func Fit(dst, src *image.RGBA) {
	db, sb := dst.Bounds(), src.Bounds()
	draw.Draw(dst, db, image.Black, image.Point{}, draw.Src)
	if sb.Empty() || db.Empty() {
		return
	}

	scaleX := float64(db.Dx()) / float64(sb.Dx())
	scaleY := float64(db.Dy()) / float64(sb.Dy())
	scale := scaleX
	if scaleY < scaleX {
		scale = scaleY
	}

	w := int(float64(sb.Dx()) * scale)
	h := int(float64(sb.Dy()) * scale)
	offX := db.Min.X + (db.Dx()-w)/2
	offY := db.Min.Y + (db.Dy()-h)/2

	draw.ApproxBiLinear.Scale(dst, image.Rect(offX, offY, offX+w, offY+h), src, sb, draw.Src, nil)
}

// Resize returns f letterboxed to width x height, or f itself when it already
// has that size. Seq and Timestamp are carried over.
func (f *Frame) Resize(width, height int) *Frame {
	if f.Width() == width && f.Height() == height {
		return f
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	Fit(dst, f.Image)
	return &Frame{Seq: f.Seq, Timestamp: f.Timestamp, Image: dst}
}
