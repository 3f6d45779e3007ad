package frame

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestDecode(t *testing.T) {
	t.Run("jpeg dimensions", func(t *testing.T) {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, solid(64, 48, color.RGBA{200, 10, 10, 255}), &jpeg.Options{Quality: 50}); err != nil {
			t.Fatalf("jpeg encode: %v", err)
		}
		f, err := Decode(buf.Bytes())
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if f.Width() != 64 || f.Height() != 48 {
			t.Fatalf("got %s, want 64x48", f.Resolution())
		}
		if len(f.Image.Pix) != 64*48*4 {
			t.Fatalf("pix len = %d", len(f.Image.Pix))
		}
	})

	t.Run("png exact pixels", func(t *testing.T) {
		f, err := Decode(encodePNG(t, solid(3, 2, color.RGBA{1, 2, 3, 255})))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got := f.Image.RGBAAt(2, 1); got != (color.RGBA{1, 2, 3, 255}) {
			t.Fatalf("pixel = %v", got)
		}
	})

	malformed := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0x01, 0x02, 0x03, 0x04}},
		{"truncated jpeg header", []byte{0xFF, 0xD8, 0xFF}},
	}
	for _, tc := range malformed {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(tc.data)
			if err == nil {
				t.Fatalf("expected error, got frame %v", f.Resolution())
			}
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("error %v does not wrap ErrDecode", err)
			}
		})
	}
}

// inflateJPEGHeader rewrites the SOF0 dimensions of a baseline JPEG without
// touching the scan data
func inflateJPEGHeader(t *testing.T, data []byte, w, h uint16) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	for i := 2; i+9 < len(out); {
		if out[i] != 0xFF {
			t.Fatalf("no marker at offset %d", i)
		}
		if out[i+1] == 0xC0 {
			out[i+5], out[i+6] = byte(h>>8), byte(h)
			out[i+7], out[i+8] = byte(w>>8), byte(w)
			return out
		}
		segLen := int(out[i+2])<<8 | int(out[i+3])
		i += 2 + segLen
	}
	t.Fatal("SOF0 marker not found")
	return nil
}

func TestDecodeRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solid(16, 16, color.RGBA{0, 0, 255, 255}), &jpeg.Options{Quality: 50}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	t.Run("huge declared size", func(t *testing.T) {
		bomb := inflateJPEGHeader(t, buf.Bytes(), 0xFFF0, 0xFFF0)
		if len(bomb) > 2048 {
			t.Fatalf("payload unexpectedly large: %d bytes", len(bomb))
		}
		_, err := Decode(bomb)
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("Decode = %v, want ErrDecode", err)
		}
		if !strings.Contains(err.Error(), "65520x65520") {
			t.Errorf("error should name the declared size: %v", err)
		}
	})

	t.Run("custom budget", func(t *testing.T) {
		if _, err := DecodeLimit(buf.Bytes(), 100); !errors.Is(err, ErrDecode) {
			t.Fatalf("DecodeLimit(100) = %v, want ErrDecode", err)
		}
		f, err := DecodeLimit(buf.Bytes(), 256)
		if err != nil {
			t.Fatalf("DecodeLimit(256): %v", err)
		}
		if f.Resolution() != "16x16" {
			t.Errorf("resolution = %s", f.Resolution())
		}
	})
}

func TestFromRGBANormalizesOrigin(t *testing.T) {
	src := solid(4, 4, color.RGBA{9, 8, 7, 255}).SubImage(image.Rect(1, 1, 3, 4)).(*image.RGBA)
	f := FromRGBA(src)
	if f.Image.Rect.Min != (image.Point{}) {
		t.Fatalf("origin = %v", f.Image.Rect.Min)
	}
	if f.Width() != 2 || f.Height() != 3 {
		t.Fatalf("size = %s", f.Resolution())
	}
	if f.Image.Stride != 8 {
		t.Fatalf("stride = %d", f.Image.Stride)
	}
}

func TestConvert(t *testing.T) {
	f := FromRGBA(solid(2, 1, color.RGBA{10, 20, 30, 255}))

	tests := []struct {
		order Order
		want  []byte
	}{
		{OrderRGBA, []byte{10, 20, 30, 255, 10, 20, 30, 255}},
		{OrderRGB24, []byte{10, 20, 30, 10, 20, 30}},
		{OrderBGR24, []byte{30, 20, 10, 30, 20, 10}},
		{OrderBGRx, []byte{30, 20, 10, 0, 30, 20, 10, 0}},
	}
	for _, tc := range tests {
		t.Run(string(tc.order), func(t *testing.T) {
			got := f.Convert(nil, tc.order)
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			if len(got) != 2*tc.order.BytesPerPixel() {
				t.Fatalf("len %d does not match BytesPerPixel", len(got))
			}
		})
	}

	t.Run("reuses buffer", func(t *testing.T) {
		buf := make([]byte, 0, 64)
		out := f.Convert(buf[:0], OrderRGB24)
		if &out[0] != &buf[:1][0] {
			t.Fatal("expected Convert to write into the provided capacity")
		}
	})
}

func TestFitLetterboxes(t *testing.T) {
	src := solid(100, 50, color.RGBA{255, 255, 255, 255})
	dst := image.NewRGBA(image.Rect(0, 0, 64, 64))
	Fit(dst, src)

	if got := dst.RGBAAt(0, 0); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("letterbox pixel = %v, want black", got)
	}
	if got := dst.RGBAAt(32, 32); got.R < 250 {
		t.Errorf("center pixel = %v, want white", got)
	}
}

func TestResize(t *testing.T) {
	f := FromRGBA(solid(32, 24, color.RGBA{10, 20, 30, 255}))
	f.Seq = 7

	if same := f.Resize(32, 24); same != f {
		t.Error("Resize to the same size should return the frame itself")
	}

	r := f.Resize(64, 64)
	if r.Resolution() != "64x64" || r.Seq != 7 {
		t.Fatalf("resized = %s seq %d", r.Resolution(), r.Seq)
	}
	if f.Resolution() != "32x24" {
		t.Error("source frame was modified")
	}
}
