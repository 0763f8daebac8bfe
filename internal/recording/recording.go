// Package recording implements the capture file format written in record
// mode and read back in playback mode.
//
// Layout:
//
//	magic    8 bytes  "CAPREC\x00\x01"
//	hdrlen   uint32   little endian
//	header   hdrlen bytes of YAML (Header)
//	frames   repeated records until EOF
//
// Each frame record is a fixed 24 byte prefix followed by the payload:
//
//	stream   uint8
//	flags    uint8    bit 0 set when the payload is zstd compressed
//	_        uint16
//	seq      uint64
//	ts       int64    unix nanoseconds
//	length   uint32   payload length
package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bryanchriswhite/capturetool/internal/stream"
)

const (
	magic        = "CAPREC\x00\x01"
	recordPrefix = 24
	flagZstd     = 1 << 0

	// maxHeaderSize bounds the header allocation when opening foreign files.
	maxHeaderSize = 1 << 20
	// maxPayloadSize bounds a single frame (8K RGBA is ~133MB).
	maxPayloadSize = 256 << 20
)

// Compression levels accepted per stream
const (
	CompressionDisabled = 0
	CompressionLow      = 1
	CompressionMedium   = 2
	CompressionHigh     = 3
)

// ErrBadMagic is returned when a file is not a recording
var ErrBadMagic = errors.New("not a capture recording")

// StreamInfo describes one recorded stream
type StreamInfo struct {
	Stream      stream.ID      `yaml:"stream"`
	Profile     stream.Profile `yaml:"profile"`
	Compression int            `yaml:"compression"`
}

// Header is the YAML document at the start of every recording
type Header struct {
	Version int          `yaml:"version"`
	Session string       `yaml:"session"`
	Device  string       `yaml:"device"`
	Created time.Time    `yaml:"created"`
	Streams []StreamInfo `yaml:"streams"`
}

// Stream returns the info for id, if recorded
func (h *Header) Stream(id stream.ID) (StreamInfo, bool) {
	for _, s := range h.Streams {
		if s.Stream == id {
			return s, true
		}
	}
	return StreamInfo{}, false
}

// Record is one frame read back from a recording
type Record struct {
	Stream    stream.ID
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// ValidateCompression checks a compression level
func ValidateCompression(level int) error {
	if level < CompressionDisabled || level > CompressionHigh {
		return fmt.Errorf("invalid compression level %d (use 0-3)", level)
	}
	return nil
}

// encoderLevel maps a compression level to a zstd speed setting
func encoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case CompressionLow:
		return zstd.SpeedFastest
	case CompressionMedium:
		return zstd.SpeedDefault
	default:
		return zstd.SpeedBetterCompression
	}
}
