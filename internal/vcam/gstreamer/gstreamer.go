// Package gstreamer feeds a v4l2 loopback device through an in-process
// GStreamer pipeline: appsrc -> videoconvert -> v4l2sink.
package gstreamer

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var initOnce sync.Once

// Sink opens appsrc pipelines writing to Device
type Sink struct {
	Device string
}

// New creates a sink for the given loopback device node
func New(device string) *Sink {
	if device == "" {
		device = vcam.DefaultDevice
	}
	return &Sink{Device: device}
}

func (s *Sink) Name() string { return "gstreamer" }

// Open builds and starts the pipeline
func (s *Sink) Open(spec vcam.Spec) (vcam.Device, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	log := logger.WithComponent("vcam-gstreamer")
	initOnce.Do(func() { gst.Init(nil) })

	pipelineStr := fmt.Sprintf(
		"appsrc name=src is-live=true do-timestamp=true format=time caps=%s ! %s",
		vcam.RawCaps(spec), vcam.LoopbackTail(s.Device),
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to get appsrc: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		return nil, fmt.Errorf("failed to start pipeline on %s: %w", s.Device, err)
	}

	d := &device{
		spec:     spec,
		pipeline: pipeline,
		src:      app.SrcFromElement(srcElement),
		pacer:    vcam.NewPacer(spec.FPS),
		desc: vcam.Descriptor{
			Name:   s.Device,
			Width:  spec.Width,
			Height: spec.Height,
			FPS:    spec.FPS,
			Format: spec.Format,
		},
	}
	log.Info().Str("device", d.desc.String()).Msg("Virtual camera opened")
	return d, nil
}

type device struct {
	spec  vcam.Spec
	desc  vcam.Descriptor
	pacer *vcam.Pacer

	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	buf      []byte
}

func (d *device) Descriptor() vcam.Descriptor { return d.desc }

func (d *device) Send(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pipeline == nil {
		return vcam.ErrClosed
	}

	data, err := vcam.Pack(d.buf, f, d.spec)
	if err != nil {
		return err
	}
	d.buf = data

	// The buffer takes ownership of its bytes
	payload := make([]byte, len(data))
	copy(payload, data)
	if ret := d.src.PushBuffer(gst.NewBufferFromBytes(payload)); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: %v", ret)
	}
	return nil
}

func (d *device) SleepUntilNextFrame() {
	d.pacer.Wait()
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pipeline == nil {
		return nil
	}

	d.src.EndStream()
	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline.Unref()
	d.pipeline = nil
	d.src = nil

	logger.WithComponent("vcam-gstreamer").Info().Str("device", d.desc.Name).Msg("Virtual camera closed")
	return err
}
