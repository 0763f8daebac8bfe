package display

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// WebPreview serves the composed preview as Motion JPEG over HTTP, along with
// a small control API. POST /api/stop counts as the user closing the preview.
type WebPreview struct {
	closeNotifier

	cfg      Config
	streams  []stream.ID
	comp     *Compositor
	router   *mux.Router
	upgrader websocket.Upgrader

	mu        sync.Mutex
	running   bool
	closed    bool
	server    *http.Server
	addr      string
	stop      chan struct{}
	renderWG  sync.WaitGroup
	serveWG   sync.WaitGroup
	startTime time.Time

	// Latest encoded frame, sent to clients as soon as they connect
	frameMu    sync.RWMutex
	current    []byte
	lastUpdate time.Time
	encoded    uint64

	// clients is nil once the preview is closed
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
}

// NewWebPreview creates a web preview; Start begins serving it
func NewWebPreview(cfg Config, streams []stream.ID) *WebPreview {
	cfg = cfg.withDefaults()
	w := &WebPreview{
		cfg:     cfg,
		streams: streams,
		comp:    NewCompositor(streams, cfg.Width, cfg.Height),
		router:  mux.NewRouter(),
		stop:    make(chan struct{}),
		clients: make(map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local preview only
			},
		},
	}
	w.setupRoutes()
	return w
}

func (w *WebPreview) setupRoutes() {
	api := w.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", w.handleStatus).Methods("GET")
	api.HandleFunc("/stop", w.handleStop).Methods("POST")
	api.HandleFunc("/ws", w.handleWebSocket)

	w.router.HandleFunc("/stream", w.handleStream).Methods("GET")
	w.router.HandleFunc("/", w.handleViewer).Methods("GET")
}

// Handler returns the HTTP handler of the preview
func (w *WebPreview) Handler() http.Handler {
	return w.router
}

// Name returns the display type name
func (w *WebPreview) Name() string {
	return "web preview"
}

// Start listens on the configured port and begins rendering
func (w *WebPreview) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("web preview already running")
	}
	if w.closed {
		return ErrClosed
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", w.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", w.cfg.Port, err)
	}
	w.addr = ln.Addr().String()
	w.server = &http.Server{Handler: w.router, ReadHeaderTimeout: 5 * time.Second}
	w.running = true
	w.startTime = time.Now()

	w.serveWG.Add(1)
	go func() {
		defer w.serveWG.Done()
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WithComponent("display").Error().Err(err).Msg("Preview server failed")
		}
	}()
	w.renderWG.Add(1)
	go func() {
		defer w.renderWG.Done()
		renderLoop(w.comp, w.cfg.FPS, w.stop, w.publish)
	}()

	width, height := w.comp.Size()
	logger.WithComponent("display").Info().
		Str("addr", w.addr).
		Int("width", width).
		Int("height", height).
		Int("fps", w.cfg.FPS).
		Msgf("Preview available at http://localhost:%d/", ln.Addr().(*net.TCPAddr).Port)
	return nil
}

// Addr returns the listen address once started
func (w *WebPreview) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

// ShowImage queues img for the next preview frame
func (w *WebPreview) ShowImage(img *rawimage.Image) error {
	return w.comp.Put(img)
}

// publish encodes a composed frame and broadcasts it to every client
func (w *WebPreview) publish(frame *image.RGBA) error {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	w.frameMu.Lock()
	w.current = jpegData
	w.lastUpdate = time.Now()
	w.encoded++
	w.frameMu.Unlock()

	w.clientsMu.RLock()
	for ch := range w.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	w.clientsMu.RUnlock()
	return nil
}

// Close stops serving and releases every held image
func (w *WebPreview) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	running := w.running
	w.running = false
	server := w.server
	close(w.stop)
	w.mu.Unlock()

	// No publish may run once client channels start closing
	w.renderWG.Wait()

	w.clientsMu.Lock()
	for ch := range w.clients {
		close(ch)
	}
	w.clients = nil
	w.clientsMu.Unlock()

	var err error
	if running {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = server.Shutdown(ctx)
		cancel()
	}
	w.serveWG.Wait()
	w.comp.Close()

	w.frameMu.RLock()
	encoded := w.encoded
	w.frameMu.RUnlock()
	logger.WithComponent("display").Info().Uint64("frames", encoded).Msg("Preview stopped")
	return err
}

// status is the JSON body of /api/status and the websocket updates
type status struct {
	Running bool              `json:"running"`
	Streams []string          `json:"streams"`
	Frames  map[string]uint64 `json:"frames"`
	Encoded uint64            `json:"encoded"`
	Clients int               `json:"clients"`
	Uptime  string            `json:"uptime"`
	// LastFrame is how long ago the preview last changed
	LastFrame string `json:"last_frame,omitempty"`
}

func (w *WebPreview) status() status {
	w.mu.Lock()
	running, start := w.running, w.startTime
	w.mu.Unlock()

	w.frameMu.RLock()
	encoded, last := w.encoded, w.lastUpdate
	w.frameMu.RUnlock()

	w.clientsMu.RLock()
	clients := len(w.clients)
	w.clientsMu.RUnlock()

	s := status{
		Running: running,
		Streams: make([]string, 0, len(w.streams)),
		Frames:  make(map[string]uint64),
		Encoded: encoded,
		Clients: clients,
	}
	for _, id := range w.streams {
		s.Streams = append(s.Streams, id.String())
	}
	for id, n := range w.comp.Frames() {
		s.Frames[id.String()] = n
	}
	if !start.IsZero() {
		s.Uptime = time.Since(start).Round(time.Second).String()
	}
	if !last.IsZero() {
		s.LastFrame = time.Since(last).Round(time.Millisecond).String()
	}
	return s
}

func (w *WebPreview) handleStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(w.status())
}

func (w *WebPreview) handleStop(rw http.ResponseWriter, r *http.Request) {
	logger.WithComponent("display").Info().Str("remote", r.RemoteAddr).Msg("Stop requested from preview")
	w.fire()

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"status": "stopping"})
}

func (w *WebPreview) handleStream(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	rw.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	rw.Header().Set("Pragma", "no-cache")
	rw.Header().Set("Expires", "0")
	rw.Header().Set("Connection", "close")

	frameChan := make(chan []byte, 2)

	w.clientsMu.Lock()
	if w.clients == nil {
		w.clientsMu.Unlock()
		http.Error(rw, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	w.clients[frameChan] = struct{}{}
	clientCount := len(w.clients)
	w.clientsMu.Unlock()

	log := logger.WithComponent("display")
	log.Debug().Int("clients", clientCount).Msg("Preview client connected")

	defer func() {
		w.clientsMu.Lock()
		if w.clients != nil {
			delete(w.clients, frameChan)
		}
		w.clientsMu.Unlock()
		log.Debug().Msg("Preview client disconnected")
	}()

	w.frameMu.RLock()
	current := w.current
	w.frameMu.RUnlock()
	if current != nil {
		if writePart(rw, current) != nil {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case jpegData, ok := <-frameChan:
			if !ok {
				return
			}
			if writePart(rw, jpegData) != nil {
				return
			}
		}
	}
}

func writePart(rw http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(rw, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := rw.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprint(rw, "\r\n"); err != nil {
		return err
	}
	if f, ok := rw.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// wsCommand is what a websocket client may send
type wsCommand struct {
	Action string `json:"action"`
}

// handleWebSocket pushes status once a second and accepts {"action":"stop"}
func (w *WebPreview) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("display")

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Action == "stop" {
				log.Info().Msg("Stop requested over websocket")
				w.fire()
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	if err := conn.WriteJSON(w.status()); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-w.stop:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "preview closed"))
			return
		case <-ticker.C:
			if err := conn.WriteJSON(w.status()); err != nil {
				return
			}
		}
	}
}

func (w *WebPreview) handleViewer(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Write([]byte(viewerHTML))
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>capturetool preview</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            font-family: system-ui, -apple-system, sans-serif;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
        }
        .bar {
            position: fixed;
            bottom: 16px;
            left: 16px;
            display: flex;
            gap: 8px;
            align-items: center;
            color: #ccc;
            font-size: 13px;
        }
        button {
            padding: 8px 14px;
            border: none;
            border-radius: 20px;
            background: rgba(220, 80, 80, 0.9);
            color: #fff;
            cursor: pointer;
        }
        #status {
            padding: 8px 14px;
            border-radius: 20px;
            background: rgba(40, 40, 40, 0.9);
        }
    </style>
</head>
<body>
    <img src="/stream" alt="capture preview">
    <div class="bar">
        <button onclick="stopCapture()">Stop capture</button>
        <span id="status">connecting</span>
    </div>
    <script>
        const status = document.getElementById('status');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/ws');
        ws.onmessage = (e) => {
            const s = JSON.parse(e.data);
            status.textContent = Object.entries(s.frames).map(([k, v]) => k + ': ' + v).join('  ') || 'waiting for frames';
        };
        ws.onclose = () => { status.textContent = 'capture ended'; };
        function stopCapture() {
            fetch('/api/stop', { method: 'POST' }).catch(console.error);
        }
    </script>
</body>
</html>`
