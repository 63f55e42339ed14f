// Package backend abstracts the pixel-level work of the reconstruction
// pipeline behind a single interface with two implementations that
// must agree bit-for-bit (warp/fold) or within floating-point
// tolerance (threshold): a straightforward CPU path, and a
// data-parallel "accelerator" path that shards the same work across
// goroutines. Both live in Go; there is no CUDA/OpenCL binding in this
// module (see DESIGN.md), but the split preserves the contract the
// specification asks for and gives a real place to plug one in later.
package backend

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/abajpayee/sapiv-refocus/internal/models"
	"github.com/abajpayee/sapiv-refocus/pkg/compose"
	"github.com/abajpayee/sapiv-refocus/pkg/refocus"
	"github.com/abajpayee/sapiv-refocus/pkg/warp"
)

// Backend owns the uploaded per-camera frame stacks and performs the
// per-view pixel operations of a single refocus step: warping a
// camera's uploaded frame onto the destination plane, folding the
// resulting views into one image, and thresholding it.
type Backend interface {
	Name() string
	// UploadAll replaces the backend's entire frame store.
	UploadAll(stacks map[string]models.ImageStack) error
	// UploadSingle uploads (or replaces) one camera's frame at frame.
	UploadSingle(camera string, frame int, img models.ImageFrame) error
	// Warp resamples the uploaded frame for camera/frame through m,
	// using m.H (homography) if set, otherwise m.XMap/m.YMap (remap).
	Warp(camera string, frame int, m refocus.Map) (models.ImageFrame, error)
	// Fold combines views with mode into a single frame.
	Fold(mode compose.Mode, views []models.ImageFrame) (models.ImageFrame, error)
	// Threshold zeroes pixels of img below the cutoff implied by mode/value.
	Threshold(mode compose.ThresholdMode, value float64, img models.ImageFrame) models.ImageFrame
	Close()
}

// store is the shared frame-stack bookkeeping used by both CPU and
// Accelerator; the two implementations differ only in how they perform
// the actual warp/fold/threshold arithmetic.
type store struct {
	mu     sync.RWMutex
	frames map[string]models.ImageStack
}

func newStore() *store {
	return &store{frames: make(map[string]models.ImageStack)}
}

func (s *store) UploadAll(stacks map[string]models.ImageStack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = make(map[string]models.ImageStack, len(stacks))
	for cam, stack := range stacks {
		s.frames[cam] = stack
	}
	return nil
}

func (s *store) UploadSingle(camera string, frame int, img models.ImageFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.frames[camera]
	for len(stack) <= frame {
		stack = append(stack, models.ImageFrame{})
	}
	stack[frame] = img
	s.frames[camera] = stack
	return nil
}

func (s *store) get(camera string, frame int) (models.ImageFrame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stack, ok := s.frames[camera]
	if !ok {
		return models.ImageFrame{}, fmt.Errorf("backend: no frames uploaded for camera %q", camera)
	}
	if frame < 0 || frame >= len(stack) {
		return models.ImageFrame{}, fmt.Errorf("backend: frame %d out of range for camera %q (have %d)", frame, camera, len(stack))
	}
	return stack[frame], nil
}

func applyMap(src models.ImageFrame, m refocus.Map, warpHomography func(models.ImageFrame, [9]float64, int, int) models.ImageFrame, warpRemap func(models.ImageFrame, []float32, []float32, int, int) models.ImageFrame) (models.ImageFrame, error) {
	switch {
	case m.H != nil:
		return warpHomography(src, *m.H, m.Width, m.Height), nil
	case m.XMap != nil && m.YMap != nil:
		return warpRemap(src, m.XMap, m.YMap, m.Width, m.Height), nil
	default:
		return models.ImageFrame{}, fmt.Errorf("backend: refocus map has neither a homography nor a sample map")
	}
}

// CPU is the straightforward, single-goroutine implementation. It is
// the reference the Accelerator backend must match.
type CPU struct {
	*store
}

// NewCPU returns a ready-to-use CPU backend with an empty frame store.
func NewCPU() *CPU {
	return &CPU{store: newStore()}
}

func (*CPU) Name() string { return "cpu" }

func (c *CPU) Warp(camera string, frame int, m refocus.Map) (models.ImageFrame, error) {
	src, err := c.get(camera, frame)
	if err != nil {
		return models.ImageFrame{}, err
	}
	return applyMap(src, m, warp.Homography, warp.Remap)
}

func (*CPU) Fold(mode compose.Mode, views []models.ImageFrame) (models.ImageFrame, error) {
	return compose.Combine(mode, views)
}

func (*CPU) Threshold(mode compose.ThresholdMode, value float64, img models.ImageFrame) models.ImageFrame {
	return compose.Threshold(mode, value, img)
}

func (*CPU) Close() {}

// Accelerator is a data-parallel implementation of the same contract:
// warps, row-local folds, and absolute thresholding are sharded across
// a fixed number of goroutines by pixel row (windowed NLCA folds and
// STDEV thresholding run as a single call), each shard calling the
// same underlying math as CPU, so
// its output matches CPU's byte for byte (row order doesn't affect any
// of these operations' results).
type Accelerator struct {
	*store
	Workers int
}

// NewAccelerator returns an Accelerator sharding work across
// runtime.GOMAXPROCS(0) goroutines, or workers if positive.
func NewAccelerator(workers int) *Accelerator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Accelerator{store: newStore(), Workers: workers}
}

func (*Accelerator) Name() string { return "accelerator" }

func (a *Accelerator) Warp(camera string, frame int, m refocus.Map) (models.ImageFrame, error) {
	src, err := a.get(camera, frame)
	if err != nil {
		return models.ImageFrame{}, err
	}
	return applyMap(src, m, a.warpHomographyParallel, a.warpRemapParallel)
}

func (a *Accelerator) warpHomographyParallel(src models.ImageFrame, h [9]float64, width, height int) models.ImageFrame {
	hInv := warp.InvertHomography(h)
	dst := models.NewImageFrame(width, height)
	a.forEachRow(height, func(y int) {
		for x := 0; x < width; x++ {
			dst.Set(x, y, warp.HomographyPixel(src, hInv, x, y))
		}
	})
	return dst
}

func (a *Accelerator) warpRemapParallel(src models.ImageFrame, xmap, ymap []float32, width, height int) models.ImageFrame {
	dst := models.NewImageFrame(width, height)
	a.forEachRow(height, func(y int) {
		for x := 0; x < width; x++ {
			dst.Set(x, y, warp.RemapPixel(src, xmap, ymap, width, x, y))
		}
	})
	return dst
}

func (a *Accelerator) Fold(mode compose.Mode, views []models.ImageFrame) (models.ImageFrame, error) {
	// Combine's per-pixel operators are already embarrassingly
	// parallel across the whole image; sharding by row and delegating
	// to compose.Combine on each row-slice view keeps a single
	// implementation of the actual arithmetic.
	if len(views) == 0 {
		return models.ImageFrame{}, fmt.Errorf("backend: no views to fold")
	}
	if mode.RequiresWholeFrame() {
		// Windowed NLCA's tiles span multiple rows, so splitting the
		// input by row would starve every tile below the top row of the
		// vertical context it needs to compute its own spread. Fold it
		// in a single call instead of sharding.
		return compose.Combine(mode, views)
	}
	width, height := views[0].Width, views[0].Height
	out := models.NewImageFrame(width, height)

	var firstErr error
	var mu sync.Mutex
	a.forEachRow(height, func(y int) {
		rowViews := make([]models.ImageFrame, len(views))
		for i, v := range views {
			rowViews[i] = models.ImageFrame{Width: width, Height: 1, Pix: v.Pix[y*width : (y+1)*width]}
		}
		combined, err := compose.Combine(mode, rowViews)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			return
		}
		copy(out.Pix[y*width:(y+1)*width], combined.Pix)
	})
	if firstErr != nil {
		return models.ImageFrame{}, firstErr
	}
	return out, nil
}

func (a *Accelerator) Threshold(mode compose.ThresholdMode, value float64, img models.ImageFrame) models.ImageFrame {
	if mode == compose.ThresholdAbsolute {
		// Absolute thresholding needs no whole-image statistic, so it
		// parallelizes cleanly by row.
		out := models.NewImageFrame(img.Width, img.Height)
		a.forEachRow(img.Height, func(y int) {
			row := models.ImageFrame{Width: img.Width, Height: 1, Pix: img.Pix[y*img.Width : (y+1)*img.Width]}
			thresholded := compose.Threshold(mode, value, row)
			copy(out.Pix[y*img.Width:(y+1)*img.Width], thresholded.Pix)
		})
		return out
	}
	// STDEV mode needs the whole image's mean/stdev, which compose
	// already computes in one pass; there is nothing to shard.
	return compose.Threshold(mode, value, img)
}

func (*Accelerator) Close() {}

// forEachRow runs fn(y) for y in [0, height) across a.Workers
// goroutines, blocking until all rows are done.
func (a *Accelerator) forEachRow(height int, fn func(y int)) {
	workers := a.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > height {
		workers = height
	}
	if workers <= 1 {
		for y := 0; y < height; y++ {
			fn(y)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (height + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= height {
			break
		}
		if end > height {
			end = height
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				fn(y)
			}
		}(start, end)
	}
	wg.Wait()
}
