package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// decoderMaxMemory caps what one compressed frame may expand to
var decoderMaxMemory uint64 = maxPayloadSize

// Reader reads frames back from a recording in file order
type Reader struct {
	file    *os.File
	buf     *bufio.Reader
	header  Header
	decoder *zstd.Decoder
}

// Open reads and validates the header of the recording at path
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	r := &Reader{
		file: file,
		buf:  bufio.NewReaderSize(file, 1<<20),
	}
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(decoderMaxMemory))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	r.decoder = dec
	return r, nil
}

func (r *Reader) readHeader() error {
	var m [len(magic)]byte
	if _, err := io.ReadFull(r.buf, m[:]); err != nil {
		return ErrBadMagic
	}
	if string(m[:]) != magic {
		return ErrBadMagic
	}

	var size [4]byte
	if _, err := io.ReadFull(r.buf, size[:]); err != nil {
		return fmt.Errorf("truncated header: %w", err)
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > maxHeaderSize {
		return fmt.Errorf("header too large: %d bytes", n)
	}

	hdr := make([]byte, n)
	if _, err := io.ReadFull(r.buf, hdr); err != nil {
		return fmt.Errorf("truncated header: %w", err)
	}
	if err := yaml.Unmarshal(hdr, &r.header); err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}
	return nil
}

// Header returns the recording header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next frame, or io.EOF after the last one. A record cut
// short by a crash mid-write is reported as io.ErrUnexpectedEOF.
func (r *Reader) Next() (Record, error) {
	var prefix [recordPrefix]byte
	if _, err := io.ReadFull(r.buf, prefix[:]); err != nil {
		return Record{}, err
	}

	rec := Record{
		Stream:    stream.ID(prefix[0]),
		Seq:       binary.LittleEndian.Uint64(prefix[4:]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(prefix[12:]))),
	}
	flags := prefix[1]
	n := binary.LittleEndian.Uint32(prefix[20:])
	if n > maxPayloadSize {
		return Record{}, fmt.Errorf("frame %d of %s too large: %d bytes", rec.Seq, rec.Stream, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.buf, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}

	if flags&flagZstd != 0 {
		data, err := r.decoder.DecodeAll(payload, nil)
		if err != nil {
			return Record{}, fmt.Errorf("failed to decompress frame %d of %s: %w", rec.Seq, rec.Stream, err)
		}
		payload = data
	}
	rec.Data = payload
	return rec, nil
}

// Close releases the file and decoder
func (r *Reader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}

// StreamSummary aggregates the frames of one stream
type StreamSummary struct {
	Frames uint64
	First  time.Time
	Last   time.Time
}

// Summary is the result of scanning a whole recording
type Summary struct {
	Header    Header
	Streams   map[stream.ID]*StreamSummary
	Truncated bool
}

// Inspect reads every frame of the recording at path and summarizes it
func Inspect(path string) (*Summary, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	s := &Summary{
		Header:  r.Header(),
		Streams: make(map[stream.ID]*StreamSummary),
	}
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			s.Truncated = true
			return s, nil
		}
		if err != nil {
			return s, err
		}

		ss, ok := s.Streams[rec.Stream]
		if !ok {
			ss = &StreamSummary{First: rec.Timestamp}
			s.Streams[rec.Stream] = ss
		}
		ss.Frames++
		ss.Last = rec.Timestamp
	}
}
