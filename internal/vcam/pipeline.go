package vcam

import "fmt"

// DefaultDevice is the v4l2loopback node created by
// `modprobe v4l2loopback video_nr=10`
const DefaultDevice = "/dev/video10"

// GstFormat returns the GStreamer raw video format name
func (p PixelFormat) GstFormat() string {
	switch p {
	case FormatRGB24:
		return "RGB"
	case FormatBGR24:
		return "BGR"
	case FormatRGBA:
		return "RGBA"
	default:
		return ""
	}
}

// RawCaps returns the caps string describing frames of spec
func RawCaps(spec Spec) string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		spec.Format.GstFormat(), spec.Width, spec.Height, spec.FPS)
}

// LoopbackTail is the pipeline section that writes converted video to a
// v4l2 loopback device
func LoopbackTail(device string) string {
	if device == "" {
		device = DefaultDevice
	}
	return fmt.Sprintf("videoconvert ! v4l2sink device=%s sync=false", device)
}
