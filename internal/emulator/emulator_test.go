package emulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bryanchriswhite/PhoneCam/internal/session"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

func TestRenderPattern(t *testing.T) {
	back := RenderPattern(64, 48, CameraBack, 1)
	front := RenderPattern(64, 48, CameraFront, 1)

	if b := back.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("bounds = %v", b)
	}
	// Sample below the label and away from the bar
	bi, fi := back.PixOffset(40, 40), front.PixOffset(40, 40)
	if back.Pix[bi+2] <= back.Pix[bi+1] {
		t.Errorf("back camera should be blue tinted, got %v", back.Pix[bi:bi+4])
	}
	if front.Pix[fi+1] <= front.Pix[fi+2] {
		t.Errorf("front camera should be green tinted, got %v", front.Pix[fi:fi+4])
	}

	moved := RenderPattern(64, 48, CameraBack, 5)
	if string(moved.Pix) == string(back.Pix) {
		t.Error("pattern did not change between frames")
	}
}

func TestNewDefaults(t *testing.T) {
	e := New(Config{})
	if e.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want defaults", e.cfg)
	}
	if e.Camera() != CameraBack {
		t.Errorf("camera = %q", e.Camera())
	}
}

func TestSessionAgainstEmulator(t *testing.T) {
	e := New(Config{Addr: "127.0.0.1:0", Width: 80, Height: 60, FPS: 50})
	addr, err := e.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- e.Serve(ctx) }()

	sink := vcam.NewMemorySink(true)
	connected := make(chan *vcam.Descriptor, 1)
	s := session.New(session.Config{
		Endpoint:       session.Endpoint{Host: "127.0.0.1", Port: addr.(*net.TCPAddr).Port},
		TargetFPS:      50,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		ChunkTimeout:   20 * time.Millisecond,
	}, sink, session.WithEventHandler(func(ev session.Event) {
		if ev.Type == session.EventConnected {
			connected <- ev.Device
		}
	}))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case d := <-connected:
		if d.Width != 80 || d.Height != 60 {
			t.Errorf("device = %v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never connected")
	}

	s.SwitchCamera()
	deadline := time.Now().Add(3 * time.Second)
	for e.Camera() != CameraFront && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Camera() != CameraFront {
		t.Fatal("camera did not switch")
	}

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}

	devices := sink.Devices()
	if len(devices) != 1 || devices[0].Sent() == 0 {
		t.Fatalf("expected frames on one device, got %d devices", len(devices))
	}
	if cmds := e.Commands(); len(cmds) != 1 || cmds[0] != "CMD:SWITCH_CAM" {
		t.Errorf("commands = %v", cmds)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
