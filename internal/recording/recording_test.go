package recording

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bryanchriswhite/capturetool/internal/stream"
)

func testHeader() Header {
	return Header{
		Session: "test-session",
		Device:  "fake",
		Streams: []StreamInfo{
			{Stream: stream.Depth, Profile: stream.Profile{Width: 4, Height: 2, FPS: 30, Format: stream.FormatZ16}, Compression: CompressionHigh},
			{Stream: stream.Color, Profile: stream.Profile{Width: 2, Height: 2, FPS: 30, Format: stream.FormatRGB8}, Compression: CompressionDisabled},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.rec")

	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	base := time.Unix(1700000000, 0)
	depth := bytes.Repeat([]byte{0xAB, 0x01}, 8)
	color := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	for i := uint64(1); i <= 3; i++ {
		ts := base.Add(time.Duration(i) * 33 * time.Millisecond)
		if err := w.WriteFrame(stream.Depth, i, ts, depth); err != nil {
			t.Fatalf("WriteFrame(depth) failed: %v", err)
		}
		if err := w.WriteFrame(stream.Color, i, ts, color); err != nil {
			t.Fatalf("WriteFrame(color) failed: %v", err)
		}
	}
	if got := w.Counts()[stream.Depth]; got != 3 {
		t.Errorf("Counts()[depth] = %d, want 3", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	h := r.Header()
	if h.Session != "test-session" || h.Version != 1 || len(h.Streams) != 2 {
		t.Fatalf("unexpected header: %+v", h)
	}
	info, ok := h.Stream(stream.Depth)
	if !ok || info.Profile.Format != stream.FormatZ16 || info.Compression != CompressionHigh {
		t.Errorf("depth stream info = %+v, %v", info, ok)
	}

	var n int
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		want := color
		if rec.Stream == stream.Depth {
			want = depth
		}
		if !bytes.Equal(rec.Data, want) {
			t.Errorf("frame %d of %s: data mismatch", rec.Seq, rec.Stream)
		}
		n++
	}
	if n != 6 {
		t.Errorf("read %d frames, want 6", n)
	}
}

func TestReaderCapsDecompressedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.rec")
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.WriteFrame(stream.Depth, 1, time.Now(), make([]byte, 64<<10)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	saved := decoderMaxMemory
	decoderMaxMemory = 4 << 10
	defer func() { decoderMaxMemory = saved }()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		t.Fatalf("Next error = %v, want decoder size exceeded", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "c.rec"), testHeader())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w.Close()
	if err := w.WriteFrame(stream.Depth, 1, time.Now(), []byte{1}); err == nil {
		t.Error("WriteFrame after Close succeeded")
	}
}

func TestInvalidCompression(t *testing.T) {
	h := testHeader()
	h.Streams[0].Compression = 9
	if _, err := Create(filepath.Join(t.TempDir(), "c.rec"), h); err == nil {
		t.Error("Create accepted compression level 9")
	}
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.rec")
	if err := os.WriteFile(path, []byte("hello world, not a recording"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrBadMagic) {
		t.Errorf("Open = %v, want ErrBadMagic", err)
	}
}

func TestInspectTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.rec")
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 2; i++ {
		w.WriteFrame(stream.Color, i, time.Now(), []byte{1, 2, 3})
	}
	w.Close()

	// Chop the last payload byte off.
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-1], 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !s.Truncated {
		t.Error("Truncated = false")
	}
	if got := s.Streams[stream.Color].Frames; got != 1 {
		t.Errorf("color frames = %d, want 1", got)
	}
}
