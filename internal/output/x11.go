package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/overlay"
)

const (
	defaultWindowWidth  = 640
	defaultWindowHeight = 480
	putImageHeaderSize  = 24
)

// X11Output shows the preview in a plain X11 window
type X11Output struct {
	config  Config
	overlay *overlay.Manager

	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext

	bitsPerPixel uint8
	scanlinePad  uint8
	maxRequest   int

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	pending *mailbox
}

// NewX11Output connects to the X server named by $DISPLAY
func NewX11Output(config Config, ov *overlay.Manager) (*X11Output, error) {
	if config.Width <= 0 || config.Height <= 0 {
		config.Width, config.Height = defaultWindowWidth, defaultWindowHeight
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	x := &X11Output{
		config:     config,
		overlay:    ov,
		conn:       conn,
		screen:     screen,
		maxRequest: int(setup.MaximumRequestLength) * 4,
		pending:    newMailbox(),
	}

	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			x.bitsPerPixel = format.BitsPerPixel
			x.scanlinePad = format.ScanlinePad
			break
		}
	}
	if x.bitsPerPixel == 0 {
		conn.Close()
		return nil, fmt.Errorf("no pixmap format found for depth %d", screen.RootDepth)
	}
	return x, nil
}

// Start creates and maps the preview window
func (x *X11Output) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.running {
		return fmt.Errorf("X11 output already running")
	}
	log := logger.WithComponent("x11")

	windowID, err := xproto.NewWindowId(x.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	x.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000, // Black background
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		x.conn,
		x.screen.RootDepth,
		x.window,
		x.screen.Root,
		0, 0,
		uint16(x.config.Width), uint16(x.config.Height),
		0,
		xproto.WindowClassInputOutput,
		x.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := x.setWindowTitle("PhoneCam Preview"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := x.setWindowClass("phonecam", "PhoneCam"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(x.conn, x.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(x.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(x.conn, gc, xproto.Drawable(x.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	x.gc = gc
	x.conn.Sync()

	x.running = true
	x.stop = make(chan struct{})
	x.done = make(chan struct{})
	go x.renderLoop(x.stop, x.done)

	log.Info().
		Int("width", x.config.Width).
		Int("height", x.config.Height).
		Uint32("window_id", uint32(x.window)).
		Msg("Preview window created")
	return nil
}

// Stop destroys the window and closes the X connection
func (x *X11Output) Stop() error {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return nil
	}
	x.running = false
	close(x.stop)
	done := x.done
	x.mu.Unlock()

	<-done

	if x.gc != 0 {
		xproto.FreeGC(x.conn, x.gc)
	}
	if x.window != 0 {
		xproto.DestroyWindow(x.conn, x.window)
		x.conn.Sync()
	}
	x.conn.Close()

	logger.WithComponent("x11").Info().Msg("Preview window closed")
	return nil
}

// WriteFrame queues a frame for display
func (x *X11Output) WriteFrame(f *frame.Frame) error {
	if !x.IsRunning() {
		return fmt.Errorf("X11 output not running")
	}
	x.pending.put(f)
	return nil
}

func (x *X11Output) Name() string { return "X11 Window" }

func (x *X11Output) IsRunning() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.running
}

func (x *X11Output) renderLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("x11")

	var buf *image.RGBA
	var data []byte
	for {
		select {
		case <-stop:
			return
		case f := <-x.pending.ch:
			buf = render(buf, f, x.config.Width, x.config.Height, x.overlay)
			var stride int
			var err error
			data, stride, err = packZPixmap(data, buf, x.bitsPerPixel, x.scanlinePad)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to pack image")
				continue
			}
			if err := x.putImage(data, stride); err != nil {
				log.Debug().Err(err).Msg("Failed to put image")
			}
		}
	}
}

// putImage uploads data in row bands that fit the maximum request length
func (x *X11Output) putImage(data []byte, stride int) error {
	width, height := x.config.Width, x.config.Height
	rows := (x.maxRequest - putImageHeaderSize) / stride
	if rows < 1 {
		return fmt.Errorf("row of %d bytes exceeds request limit %d", stride, x.maxRequest)
	}

	for y := 0; y < height; y += rows {
		n := rows
		if y+n > height {
			n = height - y
		}
		err := xproto.PutImageChecked(
			x.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(x.window),
			x.gc,
			uint16(width), uint16(n),
			0, int16(y),
			0,
			x.screen.RootDepth,
			data[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// packZPixmap converts img to the server's ZPixmap layout with each
// scanline padded to scanlinePad bits
func packZPixmap(dst []byte, img *image.RGBA, bitsPerPixel, scanlinePad uint8) ([]byte, int, error) {
	var order frame.Order
	switch bitsPerPixel {
	case 32:
		order = frame.OrderBGRx
	case 24:
		order = frame.OrderBGR24
	default:
		return dst, 0, fmt.Errorf("unsupported bits per pixel: %d", bitsPerPixel)
	}

	f := frame.FromRGBA(img)
	width, height := f.Width(), f.Height()
	unpadded := width * order.BytesPerPixel()
	padBytes := int(scanlinePad) / 8
	if padBytes == 0 {
		padBytes = 1
	}
	stride := ((unpadded + padBytes - 1) / padBytes) * padBytes

	if stride == unpadded {
		return f.Convert(dst[:0], order), stride, nil
	}

	packed := f.Convert(nil, order)
	size := stride * height
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]
	for y := 0; y < height; y++ {
		row := dst[y*stride : (y+1)*stride]
		n := copy(row, packed[y*unpadded:(y+1)*unpadded])
		clear(row[n:])
	}
	return dst, stride, nil
}

func (x *X11Output) setWindowTitle(title string) error {
	titleAtom, err := x.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := x.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		x.conn,
		xproto.PropModeReplace,
		x.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (x *X11Output) setWindowClass(instance, class string) error {
	classAtom, err := x.getAtom("WM_CLASS")
	if err != nil {
		return err
	}
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		x.conn,
		xproto.PropModeReplace,
		x.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (x *X11Output) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(x.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
