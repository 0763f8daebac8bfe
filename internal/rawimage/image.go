// Package rawimage wraps a borrowed frame buffer together with the hook that
// gives it back to its owner.
//
// An Image never copies the pixels it wraps. The release hook runs exactly
// once, on the first call to Release, no matter how many times Release is
// called or from which goroutine. Callers should defer Release right after
// they obtain an Image so that early returns give the buffer back too.
package rawimage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// Info describes the layout of the wrapped buffer
type Info struct {
	Stream stream.ID
	Width  int
	Height int
	Format stream.Format
}

// Image is a raw frame buffer borrowed for the lifetime of the Image
type Image struct {
	info      Info
	seq       uint64
	timestamp time.Time

	mu       sync.RWMutex
	data     []byte
	release  func()
	once     sync.Once
	released atomic.Bool
}

// New wraps data. release may be nil when the buffer needs no cleanup.
func New(info Info, data []byte, seq uint64, timestamp time.Time, release func()) *Image {
	return &Image{
		info:      info,
		seq:       seq,
		timestamp: timestamp,
		data:      data,
		release:   release,
	}
}

// Info returns the buffer layout
func (i *Image) Info() Info {
	return i.info
}

// Stream returns the stream the image came from
func (i *Image) Stream() stream.ID {
	return i.info.Stream
}

// Seq returns the frame number
func (i *Image) Seq() uint64 {
	return i.seq
}

// Timestamp returns the capture time
func (i *Image) Timestamp() time.Time {
	return i.timestamp
}

// View calls fn with the pixel data while holding the image open.
// It returns false without calling fn if the image was already released.
func (i *Image) View(fn func(data []byte)) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.data == nil {
		return false
	}
	fn(i.data)
	return true
}

// Release drops the buffer and runs the release hook. Safe to call any
// number of times; the hook runs once.
func (i *Image) Release() {
	i.once.Do(func() {
		// Wait for in-flight View calls before handing the buffer back.
		i.mu.Lock()
		i.data = nil
		hook := i.release
		i.release = nil
		i.mu.Unlock()

		i.released.Store(true)
		if hook != nil {
			hook()
		}
	})
}

// Released reports whether Release has run
func (i *Image) Released() bool {
	return i.released.Load()
}
