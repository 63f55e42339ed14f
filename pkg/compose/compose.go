// Package compose implements the view-combination operators that fold
// a stack of per-camera refocused frames into a single reconstructed
// slice, plus the intensity thresholding applied to the result.
package compose

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

// Kind identifies a view-combination operator.
type Kind int

const (
	KindMean Kind = iota
	KindMult
	KindMinLoS
	KindNLCA
	KindNLCAFast
)

// Mode is a fully configured combination operator.
type Mode struct {
	kind       Kind
	exponent   float64
	window     int
	delta      float64
}

// Mean averages all views with equal weight.
func Mean() Mode { return Mode{kind: KindMean} }

// Mult raises each view to exponent and multiplies the results
// together (exponent 1 is a plain product).
func Mult(exponent float64) Mode { return Mode{kind: KindMult, exponent: exponent} }

// MinLoS keeps, at each pixel, the minimum intensity across all views
// (the darkest line-of-sight wins, suppressing ghost particles that
// only appear bright in a subset of views).
func MinLoS() Mode { return Mode{kind: KindMinLoS} }

// NLCA applies windowed non-linear contrast adjustment. It is defined
// only for exactly four views, and only for a window that evenly
// divides both image dimensions.
func NLCA(window int, delta float64) Mode { return Mode{kind: KindNLCA, window: window, delta: delta} }

// NLCAFast applies the per-pixel (windowless) NLCA variant. It is also
// defined only for exactly four views.
func NLCAFast(delta float64) Mode { return Mode{kind: KindNLCAFast, delta: delta} }

// RequiresWholeFrame reports whether mode's arithmetic needs the full
// image at once rather than being decomposable per pixel or per row.
// Windowed NLCA tiles span multiple rows, so a caller sharding work
// across the image (see pkg/backend.Accelerator.Fold) must not split
// this mode's input by row.
func (m Mode) RequiresWholeFrame() bool { return m.kind == KindNLCA }

// ConfigError reports that a Mode was asked to combine views it is not
// defined for: the wrong camera count, or (for NLCA) a window that
// doesn't evenly divide the image dimensions. Callers that can check
// this ahead of time (see pkg/session.New) should surface it as a
// fatal configuration problem rather than a per-frame runtime failure.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

// Validate reports whether mode can combine numViews views of the
// given dimensions, returning a *ConfigError if not. Combine calls
// this itself before dispatching; callers that already know the view
// count and dimensions ahead of time can call it eagerly instead of
// waiting for the first Combine call to fail.
func Validate(mode Mode, numViews, width, height int) error {
	switch mode.kind {
	case KindNLCA:
		if numViews != 4 {
			return &ConfigError{msg: fmt.Sprintf("compose: NLCA requires exactly 4 views, got %d", numViews)}
		}
	case KindNLCAFast:
		if numViews != 4 {
			return &ConfigError{msg: fmt.Sprintf("compose: NLCAFast requires exactly 4 views, got %d", numViews)}
		}
	}
	if mode.kind == KindNLCA {
		window := mode.window
		if window <= 0 {
			return &ConfigError{msg: fmt.Sprintf("compose: NLCA window must be positive, got %d", window)}
		}
		if width%window != 0 || height%window != 0 {
			return &ConfigError{msg: fmt.Sprintf("compose: NLCA window %d does not evenly divide image dimensions %dx%d", window, width, height)}
		}
	}
	return nil
}

// Combine folds views (indexed by camera, in the order supplied) into
// a single frame. All views must share the same dimensions.
func Combine(mode Mode, views []models.ImageFrame) (models.ImageFrame, error) {
	if len(views) == 0 {
		return models.ImageFrame{}, fmt.Errorf("compose: no views to combine")
	}
	for i := 1; i < len(views); i++ {
		if !views[0].SameSize(views[i]) {
			return models.ImageFrame{}, fmt.Errorf("compose: view %d size mismatch: %dx%d vs %dx%d", i, views[i].Width, views[i].Height, views[0].Width, views[0].Height)
		}
	}

	switch mode.kind {
	case KindMean:
		return combineMean(views), nil
	case KindMult:
		return combineMult(views, mode.exponent), nil
	case KindMinLoS:
		return combineMinLoS(views), nil
	case KindNLCA:
		if err := Validate(mode, len(views), views[0].Width, views[0].Height); err != nil {
			return models.ImageFrame{}, err
		}
		return combineNLCA(views, mode.window, mode.delta), nil
	case KindNLCAFast:
		if err := Validate(mode, len(views), views[0].Width, views[0].Height); err != nil {
			return models.ImageFrame{}, err
		}
		return combineNLCAFast(views, mode.delta), nil
	default:
		return models.ImageFrame{}, fmt.Errorf("compose: unknown combination mode")
	}
}

func combineMean(views []models.ImageFrame) models.ImageFrame {
	out := models.NewImageFrame(views[0].Width, views[0].Height)
	for i := range out.Pix {
		// Weighted stacks (pkg/session.WeightStacks) mark "no signal"
		// pixels with a negative value; Mean excludes them from both the
		// sum and the count rather than letting them drag the average
		// down toward zero.
		var sum float32
		var n float32
		for _, v := range views {
			if v.Pix[i] < 0 {
				continue
			}
			sum += v.Pix[i]
			n++
		}
		if n == 0 {
			out.Pix[i] = 0
			continue
		}
		out.Pix[i] = sum / n
	}
	return out
}

func combineMult(views []models.ImageFrame, exponent float64) models.ImageFrame {
	out := models.NewImageFrame(views[0].Width, views[0].Height)
	for i := range out.Pix {
		prod := 1.0
		for _, v := range views {
			prod *= math.Pow(float64(v.Pix[i]), exponent)
		}
		out.Pix[i] = float32(prod)
	}
	return out
}

func combineMinLoS(views []models.ImageFrame) models.ImageFrame {
	out := models.NewImageFrame(views[0].Width, views[0].Height)
	for i := range out.Pix {
		m := views[0].Pix[i]
		for _, v := range views[1:] {
			if v.Pix[i] < m {
				m = v.Pix[i]
			}
		}
		out.Pix[i] = m
	}
	return out
}

// combineNLCA implements the windowed non-linear contrast adjustment:
// the image is divided into window x window tiles, and within each
// tile delta is scaled by the tile's own intensity spread (its mean
// absolute deviation across the four views) before applying the same
// per-pixel rule as NLCAFast, so a dim tile isn't held to the same
// absolute threshold as a bright one.
func combineNLCA(views []models.ImageFrame, window int, delta float64) models.ImageFrame {
	// Validate has already confirmed window > 0 and that it evenly
	// divides both dimensions, so every tile below is exactly window x
	// window and none needs the min(tx+window, width) truncation an
	// uneven division would have required.
	width, height := views[0].Width, views[0].Height
	out := models.NewImageFrame(width, height)

	for ty := 0; ty < height; ty += window {
		for tx := 0; tx < width; tx += window {
			x1 := tx + window
			y1 := ty + window

			spread := tileSpread(views, tx, ty, x1, y1)
			localDelta := delta * spread

			for y := ty; y < y1; y++ {
				for x := tx; x < x1; x++ {
					idx := y*width + x
					vals := [4]float32{views[0].Pix[idx], views[1].Pix[idx], views[2].Pix[idx], views[3].Pix[idx]}
					out.Pix[idx] = nlcaPixel(vals, localDelta)
				}
			}
		}
	}
	return out
}

// tileSpread returns the mean absolute deviation of the pooled pixel
// intensities of views across the given tile, used to scale NLCA's
// delta to the tile's own dynamic range.
func tileSpread(views []models.ImageFrame, x0, y0, x1, y1 int) float64 {
	width := views[0].Width
	var sum float64
	var n int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			idx := y*width + x
			for _, v := range views {
				sum += float64(v.Pix[idx])
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)

	var mad float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			idx := y*width + x
			for _, v := range views {
				mad += math.Abs(float64(v.Pix[idx]) - mean)
			}
		}
	}
	return mad / float64(n)
}

func combineNLCAFast(views []models.ImageFrame, delta float64) models.ImageFrame {
	out := models.NewImageFrame(views[0].Width, views[0].Height)
	for i := range out.Pix {
		vals := [4]float32{views[0].Pix[i], views[1].Pix[i], views[2].Pix[i], views[3].Pix[i]}
		out.Pix[i] = nlcaPixel(vals, delta)
	}
	return out
}

// nlcaPixel implements the per-pixel NLCA rule: sort the four view
// intensities, and if the two lowest are within delta of each other
// (both views agree there is no particle here), report their mean;
// otherwise report the minimum, so a single bright outlier cannot
// dominate the reconstructed intensity.
func nlcaPixel(vals [4]float32, delta float64) float32 {
	sorted := vals
	sort.Slice(sorted[:], func(i, j int) bool { return sorted[i] < sorted[j] })
	if float64(sorted[1]-sorted[0]) < delta {
		return (sorted[0] + sorted[1]) / 2
	}
	return sorted[0]
}

// ThresholdMode selects how Threshold picks its cutoff.
type ThresholdMode int

const (
	// ThresholdStdev sets the cutoff to mean + k*stdev of the image.
	ThresholdStdev ThresholdMode = iota
	// ThresholdAbsolute uses the given cutoff verbatim.
	ThresholdAbsolute
)

// Threshold zeroes every pixel of img below the cutoff implied by mode
// and value, leaving pixels at or above the cutoff unchanged. In
// benchmark mode the caller should skip calling Threshold entirely
// (per the reconstruction driver's contract) rather than pass a
// pass-through mode here.
func Threshold(mode ThresholdMode, value float64, img models.ImageFrame) models.ImageFrame {
	cutoff := value
	if mode == ThresholdStdev {
		data := make([]float64, len(img.Pix))
		for i, p := range img.Pix {
			data[i] = float64(p)
		}
		mean, stdev := stat.MeanStdDev(data, nil)
		cutoff = mean + value*stdev
	}

	out := models.NewImageFrame(img.Width, img.Height)
	fc := float32(cutoff)
	for i, p := range img.Pix {
		if p >= fc {
			out.Pix[i] = p
		}
	}
	return out
}
