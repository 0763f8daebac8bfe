// Package stream names the logical sensor streams a capture device exposes
// and the profiles (resolution, pixel format, frame rate) they run at.
package stream

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ID identifies a logical sensor stream
type ID uint8

const (
	Depth ID = iota
	Color
	Infrared
	Infrared2
	Fisheye
)

// All lists every known stream in display order
var All = []ID{Depth, Color, Infrared, Infrared2, Fisheye}

var idNames = map[ID]string{
	Depth:     "depth",
	Color:     "color",
	Infrared:  "infrared",
	Infrared2: "infrared2",
	Fisheye:   "fisheye",
}

// String returns the stream name, or "" for an unknown stream
func (id ID) String() string {
	return idNames[id]
}

// MarshalText implements encoding.TextMarshaler
func (id ID) MarshalText() ([]byte, error) {
	name, ok := idNames[id]
	if !ok {
		return nil, fmt.Errorf("unknown stream id %d", uint8(id))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses a stream name such as "depth" or "infrared2"
func ParseID(s string) (ID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for id, n := range idNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown stream: %q (use depth, color, infrared, infrared2 or fisheye)", s)
}

// Sort orders stream IDs in place
func Sort(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Format is a stream pixel format
type Format uint8

const (
	FormatAny Format = iota
	FormatZ16
	FormatY8
	FormatY16
	FormatRGB8
	FormatRGBA8
	FormatBGR8
	FormatBGRA8
	FormatYUYV
	FormatRaw8
	FormatRaw10
	FormatRaw16
)

var formatNames = map[Format]string{
	FormatAny:   "any",
	FormatZ16:   "z16",
	FormatY8:    "y8",
	FormatY16:   "y16",
	FormatRGB8:  "rgb8",
	FormatRGBA8: "rgba8",
	FormatBGR8:  "bgr8",
	FormatBGRA8: "bgra8",
	FormatYUYV:  "yuyv",
	FormatRaw8:  "raw8",
	FormatRaw10: "raw10",
	FormatRaw16: "raw16",
}

// String returns the format name, or "" for an unknown format
func (f Format) String() string {
	return formatNames[f]
}

// MarshalText implements encoding.TextMarshaler
func (f Format) MarshalText() ([]byte, error) {
	name, ok := formatNames[f]
	if !ok {
		return nil, fmt.Errorf("unknown pixel format %d", uint8(f))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFormat parses a pixel format name such as "z16" or "rgb8"
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return FormatAny, fmt.Errorf("unknown pixel format: %q", s)
}

// BitsPerPixel returns the packed size of one pixel, 0 for FormatAny
func (f Format) BitsPerPixel() int {
	switch f {
	case FormatY8, FormatRaw8:
		return 8
	case FormatRaw10:
		return 10
	case FormatZ16, FormatY16, FormatRaw16, FormatYUYV:
		return 16
	case FormatRGB8, FormatBGR8:
		return 24
	case FormatRGBA8, FormatBGRA8:
		return 32
	default:
		return 0
	}
}

// Profile is a concrete resolution, frame rate and pixel format for a stream
type Profile struct {
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
	FPS    int    `yaml:"fps" json:"fps"`
	Format Format `yaml:"format" json:"format"`
}

// IsZero reports whether no dimension, rate or format was set
func (p Profile) IsZero() bool {
	return p == Profile{}
}

// FrameSize returns the expected payload size in bytes, 0 when unknown
func (p Profile) FrameSize() int {
	return p.Width * p.Height * p.Format.BitsPerPixel() / 8
}

// String renders the profile the way the capture summary prints it
func (p Profile) String() string {
	return fmt.Sprintf("width:%d, height:%d, fps:%d, pixel format:%s", p.Width, p.Height, p.FPS, p.Format)
}

// Request is what the operator asked for on one stream
type Request struct {
	ID      ID
	Profile Profile
	// ProfileSet is true when width, height and fps were given explicitly
	ProfileSet bool
	// FormatSet is true when a pixel format was given explicitly
	FormatSet bool
	// Compression is the recording compression level, record mode only
	Compression int
}

// Explicit reports whether the request carries any explicit profile data
func (r Request) Explicit() bool {
	return r.ProfileSet || r.FormatSet
}

// String renders a request back into its flag syntax
func (r Request) String() string {
	var b strings.Builder
	b.WriteString(r.ID.String())
	if r.ProfileSet {
		fmt.Fprintf(&b, ":%dx%d@%d", r.Profile.Width, r.Profile.Height, r.Profile.FPS)
	}
	if r.FormatSet {
		b.WriteString("/")
		b.WriteString(r.Profile.Format.String())
	}
	return b.String()
}

// ParseRequest parses NAME[:WxH@FPS][/FORMAT], e.g. "depth", "color:640x480@30/rgb8"
// or "infrared/y8".
func ParseRequest(s string) (Request, error) {
	var req Request

	rest := strings.TrimSpace(s)
	if i := strings.Index(rest, "/"); i >= 0 {
		f, err := ParseFormat(rest[i+1:])
		if err != nil {
			return req, err
		}
		req.Profile.Format = f
		req.FormatSet = true
		rest = rest[:i]
	}

	name := rest
	if i := strings.Index(rest, ":"); i >= 0 {
		name = rest[:i]
		w, h, fps, err := parseMode(rest[i+1:])
		if err != nil {
			return req, fmt.Errorf("stream %q: %w", s, err)
		}
		req.Profile.Width, req.Profile.Height, req.Profile.FPS = w, h, fps
		req.ProfileSet = true
	}

	id, err := ParseID(name)
	if err != nil {
		return req, err
	}
	req.ID = id
	return req, nil
}

// parseMode parses WxH@FPS
func parseMode(s string) (w, h, fps int, err error) {
	size, rate, ok := strings.Cut(s, "@")
	if !ok {
		return 0, 0, 0, fmt.Errorf("expected WxH@FPS, got %q", s)
	}
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, 0, fmt.Errorf("expected WxH, got %q", size)
	}
	if w, err = strconv.Atoi(ws); err != nil || w <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid width %q", ws)
	}
	if h, err = strconv.Atoi(hs); err != nil || h <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid height %q", hs)
	}
	if fps, err = strconv.Atoi(rate); err != nil || fps <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid fps %q", rate)
	}
	return w, h, fps, nil
}

// ParseRequests parses a list of stream requests, rejecting duplicates
func ParseRequests(specs []string) ([]Request, error) {
	reqs := make([]Request, 0, len(specs))
	seen := make(map[ID]bool)
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		req, err := ParseRequest(spec)
		if err != nil {
			return nil, err
		}
		if seen[req.ID] {
			return nil, fmt.Errorf("stream %s requested more than once", req.ID)
		}
		seen[req.ID] = true
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// IDs returns the stream IDs of the requests, in request order
func IDs(reqs []Request) []ID {
	ids := make([]ID, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}
