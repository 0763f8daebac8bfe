package recording

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// Writer appends frames to a recording. Safe for concurrent use by one
// producer per stream.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	encoders map[stream.ID]*zstd.Encoder
	counts   map[stream.ID]uint64
	closed   bool
}

// Create writes the header to path and returns a Writer for the frames
func Create(path string, h Header) (*Writer, error) {
	if h.Version == 0 {
		h.Version = 1
	}
	if h.Created.IsZero() {
		h.Created = time.Now().UTC()
	}

	encoders := make(map[stream.ID]*zstd.Encoder)
	for _, s := range h.Streams {
		if err := ValidateCompression(s.Compression); err != nil {
			return nil, fmt.Errorf("stream %s: %w", s.Stream, err)
		}
		if s.Compression == CompressionDisabled {
			continue
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel(s.Compression)))
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder for %s: %w", s.Stream, err)
		}
		encoders[s.Stream] = enc
	}

	hdr, err := yaml.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	w := &Writer{
		file:     file,
		buf:      bufio.NewWriterSize(file, 1<<20),
		encoders: encoders,
		counts:   make(map[stream.ID]uint64),
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(hdr)))
	w.buf.WriteString(magic)
	w.buf.Write(size[:])
	if _, err := w.buf.Write(hdr); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	logger.WithComponent("recording").Info().
		Str("path", path).
		Str("session", h.Session).
		Int("streams", len(h.Streams)).
		Msg("Recording started")

	return w, nil
}

// WriteFrame appends one frame
func (w *Writer) WriteFrame(id stream.ID, seq uint64, ts time.Time, data []byte) error {
	payload := data
	var flags uint8

	// Compression runs outside the lock; encoders are safe for concurrent EncodeAll.
	if enc, ok := w.encoders[id]; ok {
		payload = enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		flags |= flagZstd
	}

	var prefix [recordPrefix]byte
	prefix[0] = uint8(id)
	prefix[1] = flags
	binary.LittleEndian.PutUint64(prefix[4:], seq)
	binary.LittleEndian.PutUint64(prefix[12:], uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint32(prefix[20:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("recording closed")
	}
	if _, err := w.buf.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.counts[id]++
	return nil
}

// Counts returns the number of frames written per stream
func (w *Writer) Counts() map[stream.ID]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[stream.ID]uint64, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

// Close flushes and closes the file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	for _, enc := range w.encoders {
		enc.Close()
	}

	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush recording: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close recording: %w", closeErr)
	}

	logger.WithComponent("recording").Info().
		Str("path", w.file.Name()).
		Interface("frames", w.counts).
		Msg("Recording closed")
	return nil
}
