package display

import (
	"bufio"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/capturetool/internal/rawimage"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

func countedImage(id stream.ID, format stream.Format, w, h int, data []byte, released *atomic.Int32) *rawimage.Image {
	info := rawimage.Info{Stream: id, Width: w, Height: h, Format: format}
	return rawimage.New(info, data, 1, time.Now(), func() { released.Add(1) })
}

func TestToRGBA(t *testing.T) {
	tests := []struct {
		name   string
		format stream.Format
		data   []byte
		want   color.RGBA
	}{
		{"rgb8", stream.FormatRGB8, []byte{10, 20, 30}, color.RGBA{10, 20, 30, 255}},
		{"bgr8", stream.FormatBGR8, []byte{10, 20, 30}, color.RGBA{30, 20, 10, 255}},
		{"bgra8", stream.FormatBGRA8, []byte{10, 20, 30, 40}, color.RGBA{30, 20, 10, 40}},
		{"y8", stream.FormatY8, []byte{77}, color.RGBA{77, 77, 77, 255}},
		{"y16", stream.FormatY16, []byte{0x00, 0x80}, color.RGBA{128, 128, 128, 255}},
		{"z16 invalid", stream.FormatZ16, []byte{0, 0}, color.RGBA{0, 0, 0, 255}},
		{"z16 far", stream.FormatZ16, []byte{0xff, 0xff}, color.RGBA{0, 0, 0, 255}},
		{"raw10", stream.FormatRaw10, []byte{200, 0, 0, 0, 0}, color.RGBA{200, 200, 200, 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := ToRGBA(rawimage.Info{Width: 1, Height: 1, Format: tt.format}, tt.data)
			if err != nil {
				t.Fatalf("ToRGBA failed: %v", err)
			}
			if got := img.RGBAAt(0, 0); got != tt.want {
				t.Errorf("pixel = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToRGBAYUYV(t *testing.T) {
	// Mid grey: Y=128, no chroma
	img, err := ToRGBA(rawimage.Info{Width: 2, Height: 1, Format: stream.FormatYUYV}, []byte{128, 128, 128, 128})
	if err != nil {
		t.Fatalf("ToRGBA failed: %v", err)
	}
	for x := 0; x < 2; x++ {
		if got := img.RGBAAt(x, 0); got.R != 128 || got.G != 128 || got.B != 128 {
			t.Errorf("pixel %d = %v, want grey", x, got)
		}
	}
}

func TestToRGBARejectsShortAndUnknown(t *testing.T) {
	if _, err := ToRGBA(rawimage.Info{Width: 2, Height: 2, Format: stream.FormatRGB8}, make([]byte, 11)); err == nil {
		t.Error("short buffer accepted")
	}
	if _, err := ToRGBA(rawimage.Info{Width: 1, Height: 1, Format: stream.FormatAny}, make([]byte, 8)); err == nil {
		t.Error("format any accepted")
	}
}

func TestCompositorLayout(t *testing.T) {
	tests := []struct {
		streams    int
		cols, rows int
	}{
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{5, 3, 2},
	}
	for _, tt := range tests {
		c := NewCompositor(stream.All[:tt.streams], 10, 10)
		if c.cols != tt.cols || c.rows != tt.rows {
			t.Errorf("%d streams: %dx%d grid, want %dx%d", tt.streams, c.cols, c.rows, tt.cols, tt.rows)
		}
	}
}

func TestCompositorReleasesReplacedAndHeld(t *testing.T) {
	c := NewCompositor([]stream.ID{stream.Depth, stream.Color}, 8, 8)

	var first, second, colorImg atomic.Int32
	if err := c.Put(countedImage(stream.Depth, stream.FormatZ16, 1, 1, []byte{0, 1}, &first)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(countedImage(stream.Depth, stream.FormatZ16, 1, 1, []byte{0, 2}, &second)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(countedImage(stream.Color, stream.FormatRGB8, 1, 1, []byte{1, 2, 3}, &colorImg)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if first.Load() != 1 {
		t.Errorf("replaced image released %d times, want 1", first.Load())
	}
	if second.Load() != 0 || colorImg.Load() != 0 {
		t.Error("current images released early")
	}

	if img := c.Compose(); img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("composed size = %v", img.Bounds())
	}

	c.Close()
	c.Close()
	if second.Load() != 1 || colorImg.Load() != 1 {
		t.Errorf("held images released %d/%d times, want 1/1", second.Load(), colorImg.Load())
	}

	var late atomic.Int32
	img := countedImage(stream.Depth, stream.FormatZ16, 1, 1, []byte{0, 3}, &late)
	if err := c.Put(img); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close = %v, want ErrClosed", err)
	}
	if late.Load() != 0 {
		t.Error("rejected image released by the compositor")
	}
	img.Release()
}

func TestCompositorRejectsUnknownStream(t *testing.T) {
	c := NewCompositor([]stream.ID{stream.Depth}, 8, 8)
	defer c.Close()

	var released atomic.Int32
	if err := c.Put(countedImage(stream.Fisheye, stream.FormatY8, 1, 1, []byte{0}, &released)); err == nil {
		t.Fatal("Put for a stream without a tile succeeded")
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "sdl"}, []stream.ID{stream.Depth}); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func newTestPreview(t *testing.T) (*WebPreview, *httptest.Server) {
	t.Helper()
	w := NewWebPreview(Config{Width: 4, Height: 4, FPS: 30}, []stream.ID{stream.Depth})
	srv := httptest.NewServer(w.Handler())
	t.Cleanup(func() {
		w.Close()
		srv.Close()
	})
	return w, srv
}

func TestWebStopFiresOnCloseOnce(t *testing.T) {
	w, srv := newTestPreview(t)

	var fired atomic.Int32
	w.OnClose(func() { fired.Add(1) })

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/stop", "application/json", nil)
		if err != nil {
			t.Fatalf("POST /api/stop failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}
	if fired.Load() != 1 {
		t.Errorf("OnClose ran %d times, want 1", fired.Load())
	}

	resp, err := http.Get(srv.URL + "/api/stop")
	if err != nil {
		t.Fatalf("GET /api/stop failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/stop status = %d, want 405", resp.StatusCode)
	}
}

func TestWebStatusCountsFrames(t *testing.T) {
	w, srv := newTestPreview(t)

	var released atomic.Int32
	for i := 0; i < 3; i++ {
		if err := w.ShowImage(countedImage(stream.Depth, stream.FormatZ16, 1, 1, []byte{0, 1}, &released)); err != nil {
			t.Fatalf("ShowImage failed: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	var s status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if s.Frames["depth"] != 3 {
		t.Errorf("frames = %v, want depth=3", s.Frames)
	}
	if len(s.Streams) != 1 || s.Streams[0] != "depth" {
		t.Errorf("streams = %v", s.Streams)
	}
	if released.Load() != 2 {
		t.Errorf("released %d replaced images, want 2", released.Load())
	}
}

func TestWebStreamSendsJPEG(t *testing.T) {
	w, srv := newTestPreview(t)

	if err := w.publish(image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)
	boundary, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if boundary != "--frame\r\n" {
		t.Errorf("first line = %q", boundary)
	}
	partType, _ := r.ReadString('\n')
	if partType != "Content-Type: image/jpeg\r\n" {
		t.Errorf("part header = %q", partType)
	}
}

func TestWebSocketStop(t *testing.T) {
	w, srv := newTestPreview(t)

	fired := make(chan struct{})
	w.OnClose(func() { close(fired) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var s status
	if err := conn.ReadJSON(&s); err != nil {
		t.Fatalf("read status failed: %v", err)
	}
	if err := conn.WriteJSON(wsCommand{Action: "stop"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("websocket stop did not fire OnClose")
	}
}
