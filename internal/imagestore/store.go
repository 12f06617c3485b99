package imagestore

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when an operation is attempted on a released handle.
var ErrReleased = errors.New("image handle already released")

// ImageError represents errors that can occur during image store operations.
type ImageError struct {
	Op  string
	Err error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image store error in %s: %v", e.Op, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Handle is an owned raster image. The owner must Close it (or pass it to a
// consuming Store operation) exactly once; Close is idempotent.
type Handle struct {
	store    *Store
	id       uint64
	img      image.Image
	mu       sync.Mutex
	released bool
}

// ID returns the store-unique handle identifier.
func (h *Handle) ID() uint64 { return h.id }

// Image returns the underlying raster, or nil if the handle was released.
// Callers must not retain the returned image past the handle's lifetime.
func (h *Handle) Image() image.Image {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return h.img
}

// Bounds returns the raster bounds, or an empty rectangle after release.
func (h *Handle) Bounds() image.Rectangle {
	img := h.Image()
	if img == nil {
		return image.Rectangle{}
	}
	return img.Bounds()
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Close releases the handle. Safe to call multiple times and on nil.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.img = nil
	h.mu.Unlock()
	if h.store != nil {
		h.store.live.Add(-1)
	}
	return nil
}

// take returns the image and releases the handle in one step, which is how
// consuming operations acquire their input.
func (h *Handle) take() (image.Image, error) {
	if h == nil {
		return nil, ErrReleased
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrReleased
	}
	img := h.img
	h.released = true
	h.img = nil
	h.mu.Unlock()
	if h.store != nil {
		h.store.live.Add(-1)
	}
	return img, nil
}

// Store owns raster handles and tracks how many are live.
type Store struct {
	nextID atomic.Uint64
	live   atomic.Int64
}

// New creates an empty store.
func New() *Store { return &Store{} }

// Live returns the number of handles that have not been released.
func (s *Store) Live() int { return int(s.live.Load()) }

// Wrap takes ownership of img and returns a new handle for it.
func (s *Store) Wrap(img image.Image) (*Handle, error) {
	if img == nil {
		return nil, &ImageError{Op: "wrap", Err: errors.New("input image is nil")}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &ImageError{Op: "wrap", Err: fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())}
	}
	s.live.Add(1)
	return &Handle{store: s, id: s.nextID.Add(1), img: img}, nil
}

// Release releases h. It is equivalent to h.Close().
func (s *Store) Release(h *Handle) {
	if err := h.Close(); err != nil {
		slog.Debug("Release failed", "error", err)
	}
}

// IsGray reports whether img already has the normalized 8-bit grayscale depth.
func IsGray(img image.Image) bool {
	_, ok := img.(*image.Gray)
	return ok
}

// ToGray converts any image to an 8-bit grayscale raster anchored at (0,0).
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
