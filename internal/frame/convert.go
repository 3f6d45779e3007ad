package frame

// Order names a packed pixel layout
type Order string

const (
	OrderRGBA  Order = "rgba"
	OrderRGB24 Order = "rgb24"
	OrderBGR24 Order = "bgr24"
	OrderBGRx  Order = "bgrx"
)

// BytesPerPixel reports the packed size of one pixel, or 0 for an unknown order
func (o Order) BytesPerPixel() int {
	switch o {
	case OrderRGBA, OrderBGRx:
		return 4
	case OrderRGB24, OrderBGR24:
		return 3
	default:
		return 0
	}
}

// Convert packs the frame's pixels into order, appending to dst (which may be nil)
func (f *Frame) Convert(dst []byte, order Order) []byte {
	pix := f.Image.Pix
	n := f.Width() * f.Height()

	switch order {
	case OrderRGBA:
		return append(dst, pix[:n*4]...)
	case OrderRGB24:
		dst = grow(dst, n*3)
		out := dst[len(dst)-n*3:]
		for i, j := 0, 0; i < n*4; i, j = i+4, j+3 {
			out[j] = pix[i]
			out[j+1] = pix[i+1]
			out[j+2] = pix[i+2]
		}
	case OrderBGR24:
		dst = grow(dst, n*3)
		out := dst[len(dst)-n*3:]
		for i, j := 0, 0; i < n*4; i, j = i+4, j+3 {
			out[j] = pix[i+2]
			out[j+1] = pix[i+1]
			out[j+2] = pix[i]
		}
	case OrderBGRx:
		dst = grow(dst, n*4)
		out := dst[len(dst)-n*4:]
		for i := 0; i < n*4; i += 4 {
			out[i] = pix[i+2]
			out[i+1] = pix[i+1]
			out[i+2] = pix[i]
			out[i+3] = 0
		}
	}
	return dst
}

// grow extends dst by n bytes
func grow(dst []byte, n int) []byte {
	if cap(dst)-len(dst) >= n {
		return dst[:len(dst)+n]
	}
	out := make([]byte, len(dst)+n)
	copy(out, dst)
	return out
}
