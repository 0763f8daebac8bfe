package display

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// X11Window shows the preview in a top-level X11 window. Closing the window
// through the window manager counts as the user closing the preview.
type X11Window struct {
	closeNotifier

	conn       *xgb.Conn
	screen     *xproto.ScreenInfo
	window     xproto.Window
	gc         xproto.Gcontext
	deleteAtom xproto.Atom
	width      int
	height     int
	comp       *Compositor

	mu       sync.Mutex
	closed   bool
	stop     chan struct{}
	renderWG sync.WaitGroup
	eventWG  sync.WaitGroup
}

// NewX11Window connects to $DISPLAY, maps the preview window and starts
// rendering into it
func NewX11Window(cfg Config, streams []stream.ID) (*X11Window, error) {
	cfg = cfg.withDefaults()

	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	comp := NewCompositor(streams, cfg.Width, cfg.Height)
	width, height := comp.Size()
	w := &X11Window{
		conn:   conn,
		screen: xproto.Setup(conn).DefaultScreen(conn),
		width:  width,
		height: height,
		comp:   comp,
		stop:   make(chan struct{}),
	}

	if err := w.createWindow(streams); err != nil {
		conn.Close()
		return nil, err
	}

	w.eventWG.Add(1)
	go func() {
		defer w.eventWG.Done()
		w.eventLoop()
	}()
	w.renderWG.Add(1)
	go func() {
		defer w.renderWG.Done()
		renderLoop(w.comp, cfg.FPS, w.stop, w.putImage)
	}()

	logger.WithComponent("display").Info().
		Int("width", width).
		Int("height", height).
		Uint32("window_id", uint32(w.window)).
		Msg("Preview window created")
	return w, nil
}

func (w *X11Window) createWindow(streams []stream.ID) error {
	log := logger.WithComponent("display")

	windowID, err := xproto.NewWindowId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	w.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		w.conn,
		w.screen.RootDepth,
		w.window,
		w.screen.Root,
		0, 0,
		uint16(w.width), uint16(w.height),
		0,
		xproto.WindowClassInputOutput,
		w.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	names := make([]string, len(streams))
	for i, id := range streams {
		names[i] = id.String()
	}
	if err := w.setWindowTitle("capturetool - " + strings.Join(names, ", ")); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := w.setWindowClass("capturetool", "CaptureTool"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}
	if err := w.enableDeleteWindow(); err != nil {
		// Without WM_DELETE_WINDOW the window manager kills the connection
		log.Warn().Err(err).Msg("Failed to register WM_DELETE_WINDOW")
	}

	if err := xproto.MapWindowChecked(w.conn, w.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	w.gc = gc
	if err := xproto.CreateGCChecked(w.conn, w.gc, xproto.Drawable(w.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}

	w.conn.Sync()
	return nil
}

// enableDeleteWindow asks the window manager to send WM_DELETE_WINDOW
// instead of killing the client when the window is closed
func (w *X11Window) enableDeleteWindow() error {
	protocols, err := w.getAtom("WM_PROTOCOLS")
	if err != nil {
		return err
	}
	del, err := w.getAtom("WM_DELETE_WINDOW")
	if err != nil {
		return err
	}
	w.deleteAtom = del

	data := make([]byte, 4)
	xgb.Put32(data, uint32(del))
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.window,
		protocols,
		xproto.AtomAtom,
		32,
		1,
		data,
	).Check()
}

func (w *X11Window) eventLoop() {
	log := logger.WithComponent("display")
	for {
		ev, err := w.conn.WaitForEvent()
		if ev == nil && err == nil {
			// Connection closed
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("X11 error")
			continue
		}

		switch e := ev.(type) {
		case xproto.ClientMessageEvent:
			if w.deleteAtom != 0 && xproto.Atom(e.Data.Data32[0]) == w.deleteAtom {
				log.Info().Msg("Preview window closed by the user")
				w.fire()
			}
		case xproto.DestroyNotifyEvent:
			if !w.isClosed() {
				log.Info().Msg("Preview window destroyed")
				w.fire()
			}
			return
		}
	}
}

func (w *X11Window) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Name returns the display type name
func (w *X11Window) Name() string {
	return "x11 window"
}

// ShowImage queues img for the next preview frame
func (w *X11Window) ShowImage(img *rawimage.Image) error {
	return w.comp.Put(img)
}

// Close destroys the window and releases every held image
func (w *X11Window) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stop)
	w.mu.Unlock()

	w.renderWG.Wait()

	if w.gc != 0 {
		xproto.FreeGC(w.conn, w.gc)
	}
	xproto.DestroyWindow(w.conn, w.window)
	w.conn.Sync()
	w.conn.Close()
	w.eventWG.Wait()

	w.comp.Close()
	logger.WithComponent("display").Info().Msg("Preview window closed")
	return nil
}

// putImage converts img to the screen's pixmap format and draws it
func (w *X11Window) putImage(img *image.RGBA) error {
	bounds := img.Bounds()
	imgWidth, imgHeight := bounds.Dx(), bounds.Dy()
	if imgWidth != w.width || imgHeight != w.height {
		return fmt.Errorf("image size mismatch: got %dx%d, expected %dx%d", imgWidth, imgHeight, w.width, w.height)
	}

	depth := w.screen.RootDepth
	var bitsPerPixel, scanlinePad uint8
	for _, format := range xproto.Setup(w.conn).PixmapFormats {
		if format.Depth == depth {
			bitsPerPixel = format.BitsPerPixel
			scanlinePad = format.ScanlinePad
			break
		}
	}
	if bitsPerPixel == 0 {
		return fmt.Errorf("no format found for depth %d", depth)
	}

	bytesPerPixel := int(bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	padBytes := int(scanlinePad) / 8
	stride := ((imgWidth*bytesPerPixel + padBytes - 1) / padBytes) * padBytes

	// Rows are sent in bands so each request stays under the X11 size limit
	rowsPerBand := (int(xproto.Setup(w.conn).MaximumRequestLength)*4 - 64) / stride
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}

	for y0 := 0; y0 < imgHeight; y0 += rowsPerBand {
		rows := rowsPerBand
		if y0+rows > imgHeight {
			rows = imgHeight - y0
		}

		data := make([]byte, stride*rows)
		for y := 0; y < rows; y++ {
			src := img.Pix[(y0+y)*img.Stride:]
			dst := data[y*stride:]
			for x := 0; x < imgWidth; x++ {
				s := src[x*4 : x*4+4]
				d := dst[x*bytesPerPixel:]
				// BGRx, matching the usual 0xff0000 red mask
				d[0], d[1], d[2] = s[2], s[1], s[0]
				if bytesPerPixel == 4 {
					d[3] = 0
					if depth == 32 {
						d[3] = s[3]
					}
				}
			}
		}

		err := xproto.PutImageChecked(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.window),
			w.gc,
			uint16(imgWidth),
			uint16(rows),
			0, int16(y0),
			0,
			depth,
			data,
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// setWindowTitle sets _NET_WM_NAME
func (w *X11Window) setWindowTitle(title string) error {
	titleAtom, err := w.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := w.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (w *X11Window) setWindowClass(instance, class string) error {
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.window,
		xproto.AtomWmClass,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (w *X11Window) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
