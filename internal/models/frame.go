package models

import "fmt"

// ImageFrame is a single 2D array of single-precision intensities,
// nominally in [0,1], stored row-major (index = y*Width + x).
//
// ImageFrame is the boundary type between the refocusing core and the
// external image I/O collaborator: the collaborator is responsible for
// decoding, type-converting, and normalizing source imagery into this
// shape before handing it to the core.
type ImageFrame struct {
	Width, Height int
	Pix           []float32
}

// NewImageFrame allocates a zero-filled frame of the given size.
func NewImageFrame(width, height int) ImageFrame {
	return ImageFrame{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// At returns the intensity at (x, y), or 0 if out of bounds.
func (f ImageFrame) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Pix[y*f.Width+x]
}

// Set writes the intensity at (x, y). It panics if out of bounds, since
// callers are expected to iterate within Width/Height themselves.
func (f ImageFrame) Set(x, y int, v float32) {
	f.Pix[y*f.Width+x] = v
}

// SameSize reports whether f and g share identical dimensions.
func (f ImageFrame) SameSize(g ImageFrame) bool {
	return f.Width == g.Width && f.Height == g.Height
}

// ImageStack is an ordered sequence of frames for a single camera,
// indexed by time/frame number.
type ImageStack []ImageFrame

// Validate checks that every frame in the stack shares the dimensions
// of the first frame.
func (s ImageStack) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("image stack is empty")
	}
	w, h := s[0].Width, s[0].Height
	for i, f := range s {
		if f.Width != w || f.Height != h {
			return fmt.Errorf("frame %d has dimensions %dx%d, expected %dx%d", i, f.Width, f.Height, w, h)
		}
	}
	return nil
}

// Pose describes the destination plane's translation and rotation
// relative to the world axes. Z is the sweep variable during a depth
// stack reconstruction; the remaining fields are typically zero.
type Pose struct {
	Xs, Ys, Z    float64
	Rx, Ry, Rz   float64
}
