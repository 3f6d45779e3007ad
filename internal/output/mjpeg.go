package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/PhoneCam/internal/frame"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/overlay"
)

const DefaultQuality = 80

// MJPEGOutput streams the preview as Motion JPEG over HTTP
type MJPEGOutput struct {
	config  Config
	overlay *overlay.Manager
	running bool
	mu      sync.RWMutex
	stop    chan struct{}
	done    chan struct{}

	pending *mailbox

	// Latest encoded frame
	frameMu    sync.RWMutex
	lastJPEG   []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
	onClients func(n int)

	// Stats
	statsMu    sync.Mutex
	frameCount uint64
	dropped    uint64
	startTime  time.Time
}

// NewMJPEGOutput creates a new MJPEG stream output. ov may be nil.
func NewMJPEGOutput(config Config, ov *overlay.Manager) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = DefaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		overlay: ov,
		pending: newMailbox(),
		clients: make(map[chan []byte]struct{}),
	}
}

// OnClientsChanged registers a callback for client count changes
func (m *MJPEGOutput) OnClientsChanged(fn func(n int)) {
	m.clientsMu.Lock()
	m.onClients = fn
	m.clientsMu.Unlock()
}

// Start launches the encoder. The HTTP handler is registered separately via
// GetHTTPHandler().
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	m.statsMu.Lock()
	m.startTime = time.Now()
	m.frameCount = 0
	m.dropped = 0
	m.statsMu.Unlock()

	go m.encodeLoop(m.stop, m.done)

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("quality", m.config.Quality).
		Msg("MJPEG output started")
	return nil
}

// Stop shuts down the encoder and disconnects all clients
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	fn := m.onClients
	m.clientsMu.Unlock()
	if fn != nil {
		fn(0)
	}

	m.statsMu.Lock()
	frames := m.frameCount
	m.statsMu.Unlock()
	logger.WithComponent("mjpeg").Info().Uint64("frames", frames).Msg("MJPEG output stopped")
	return nil
}

// WriteFrame queues a frame for encoding, replacing any pending one
func (m *MJPEGOutput) WriteFrame(f *frame.Frame) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}
	m.pending.put(f)
	return nil
}

func (m *MJPEGOutput) encodeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("mjpeg")

	var buf *image.RGBA
	var out bytes.Buffer
	for {
		select {
		case <-stop:
			return
		case f := <-m.pending.ch:
			buf = render(buf, f, m.config.Width, m.config.Height, m.overlay)

			out.Reset()
			if err := jpeg.Encode(&out, buf, &jpeg.Options{Quality: m.config.Quality}); err != nil {
				log.Warn().Err(err).Msg("Failed to encode JPEG")
				continue
			}
			m.broadcast(bytes.Clone(out.Bytes()))
		}
	}
}

func (m *MJPEGOutput) broadcast(jpegData []byte) {
	m.frameMu.Lock()
	m.lastJPEG = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	var dropped uint64
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
			dropped++
		}
	}
	m.clientsMu.RUnlock()

	m.statsMu.Lock()
	m.frameCount++
	m.dropped += dropped
	m.statsMu.Unlock()
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Snapshot returns the most recent encoded frame, or nil
func (m *MJPEGOutput) Snapshot() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.lastJPEG
}

// MJPEGStats is reported by the preview stats endpoint
type MJPEGStats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Dropped    uint64    `json:"dropped"`
	Clients    int       `json:"clients"`
	FPS        float64   `json:"fps"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// Stats returns encoder statistics
func (m *MJPEGOutput) Stats() MJPEGStats {
	s := MJPEGStats{Running: m.IsRunning()}

	m.statsMu.Lock()
	s.Frames, s.Dropped = m.frameCount, m.dropped
	startTime := m.startTime
	m.statsMu.Unlock()

	m.frameMu.RLock()
	s.LastUpdate = m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	s.Clients = len(m.clients)
	m.clientsMu.RUnlock()

	if s.Running && !startTime.IsZero() {
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			s.FPS = float64(s.Frames) / elapsed
		}
	}
	return s
}

func (m *MJPEGOutput) addClient() (chan []byte, bool) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return nil, false
	}

	ch := make(chan []byte, 2) // Buffer 2 frames
	m.clientsMu.Lock()
	m.clients[ch] = struct{}{}
	n, fn := len(m.clients), m.onClients
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Int("clients", n).Msg("New preview client connected")
	if fn != nil {
		fn(n)
	}
	return ch, true
}

func (m *MJPEGOutput) removeClient(ch chan []byte) {
	m.clientsMu.Lock()
	_, ok := m.clients[ch]
	delete(m.clients, ch)
	n, fn := len(m.clients), m.onClients
	m.clientsMu.Unlock()

	if !ok {
		// Already closed by Stop
		return
	}
	logger.WithComponent("mjpeg").Info().Int("clients", n).Msg("Preview client disconnected")
	if fn != nil {
		fn(n)
	}
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream.
// Mount this at /stream or similar endpoint.
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameChan, ok := m.addClient()
		if !ok {
			http.Error(w, "preview not running", http.StatusServiceUnavailable)
			return
		}
		defer m.removeClient(frameChan)

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
					return
				}
				if _, err := w.Write(jpegData); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// GetSnapshotHandler serves the latest frame as a single JPEG
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := m.Snapshot()
		if data == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// GetViewerHandler returns an HTTP handler with the stream and session controls
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>PhoneCam</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            color: #ccc;
            font-family: system-ui, -apple-system, sans-serif;
            display: flex;
            flex-direction: column;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: calc(100vh - 56px);
            object-fit: contain;
            display: block;
            background: #000;
        }
        .bar {
            display: flex;
            gap: 8px;
            align-items: center;
            height: 56px;
        }
        button {
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            border: none;
            border-radius: 20px;
            font-size: 13px;
            cursor: pointer;
        }
        button:hover { background: rgba(60, 60, 60, 0.95); color: #fff; }
        #status { font-size: 13px; min-width: 240px; }
    </style>
</head>
<body>
    <img src="/stream" alt="PhoneCam Preview">
    <div class="bar">
        <button onclick="post('/api/session/start')">Connect</button>
        <button onclick="post('/api/session/switch-camera')">Switch camera</button>
        <button onclick="post('/api/session/stop')">Disconnect</button>
        <span id="status">idle</span>
    </div>
    <script>
        function post(path) {
            fetch(path, { method: 'POST' }).catch(console.error);
        }
        const status = document.getElementById('status');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ws.onmessage = (msg) => {
            const ev = JSON.parse(msg.data);
            status.textContent = ev.message;
        };
    </script>
</body>
</html>`
