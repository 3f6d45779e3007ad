// Package emulator plays the phone side of the protocol: it accepts one
// receiver at a time, streams length-prefixed JPEG test frames and reacts to
// camera switch commands.
package emulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bryanchriswhite/PhoneCam/internal/command"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/overlay"
	"github.com/bryanchriswhite/PhoneCam/internal/transport"
)

const (
	CameraBack  = "back"
	CameraFront = "front"
)

// Config controls the emulated phone
type Config struct {
	Addr    string
	Width   int
	Height  int
	FPS     int
	Quality int
}

// DefaultConfig matches the port and JPEG quality the phone app uses
func DefaultConfig() Config {
	return Config{Addr: ":8888", Width: 640, Height: 480, FPS: 30, Quality: 50}
}

// Emulator is a fake phone
type Emulator struct {
	cfg Config
	log *zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	camera   string
	sent     uint64
	commands []string
}

// New creates an emulator; zero fields in cfg take defaults
func New(cfg Config) *Emulator {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = d.Width, d.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = d.Quality
	}
	return &Emulator{
		cfg:    cfg,
		log:    logger.WithComponent("emulator"),
		camera: CameraBack,
	}
}

// Listen binds the listening socket
func (e *Emulator) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", e.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", e.cfg.Addr, err)
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts receivers one at a time until ctx is cancelled. Listen is
// called first if it has not been.
func (e *Emulator) Serve(ctx context.Context) error {
	e.mu.Lock()
	ln := e.ln
	e.mu.Unlock()
	if ln == nil {
		if _, err := e.Listen(); err != nil {
			return err
		}
		e.mu.Lock()
		ln = e.ln
		e.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	e.log.Info().Str("addr", ln.Addr().String()).Int("fps", e.cfg.FPS).
		Msgf("Emulating phone camera at %dx%d", e.cfg.Width, e.cfg.Height)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		e.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Receiver connected")
		e.serveConn(ctx, conn)
		e.log.Info().Msg("Receiver disconnected")
	}
}

// serveConn streams to one receiver until it leaves or ctx ends
func (e *Emulator) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		e.readCommands(conn)
	}()

	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.FPS))
	defer ticker.Stop()

	var buf bytes.Buffer
	seq := uint64(0)
	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
		}

		seq++
		img := RenderPattern(e.cfg.Width, e.cfg.Height, e.Camera(), seq)
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.cfg.Quality}); err != nil {
			e.log.Error().Err(err).Msg("Failed to encode test frame")
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := transport.WriteMessage(conn, buf.Bytes()); err != nil {
			e.log.Debug().Err(err).Msg("Frame write failed")
			return
		}
		e.mu.Lock()
		e.sent++
		e.mu.Unlock()
	}
}

func (e *Emulator) readCommands(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e.mu.Lock()
		e.commands = append(e.commands, line)
		if line == command.SwitchCameraText {
			if e.camera == CameraBack {
				e.camera = CameraFront
			} else {
				e.camera = CameraBack
			}
		}
		camera := e.camera
		e.mu.Unlock()

		e.log.Info().Str("command", line).Str("camera", camera).Msg("Command received")
	}
}

// Camera returns the active camera name
func (e *Emulator) Camera() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.camera
}

// FramesSent returns the number of frames written across all receivers
func (e *Emulator) FramesSent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// Commands returns every command line received
func (e *Emulator) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// RenderPattern draws a test card labelled with the camera and frame number
func RenderPattern(w, h int, camera string, seq uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	tint := color.RGBA{40, 80, 160, 255}
	if camera == CameraFront {
		tint = color.RGBA{40, 140, 70, 255}
	}
	for y := 0; y < h; y++ {
		shade := uint8(255 * y / max(h, 1))
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i+0] = tint.R/2 + shade/4
			img.Pix[i+1] = tint.G/2 + shade/4
			img.Pix[i+2] = tint.B/2 + shade/4
			img.Pix[i+3] = 255
		}
	}

	// A bar sweeping left to right makes motion visible
	barW := max(w/16, 1)
	x0 := int(seq*4) % max(w, 1)
	overlay.FillRect(img, image.Rect(x0, 0, x0+barW, h), color.RGBA{255, 255, 255, 255}, 0.6)

	label := fmt.Sprintf("%s camera #%d", strings.ToUpper(camera), seq)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 20),
	}
	d.DrawString(label)
	return img
}
