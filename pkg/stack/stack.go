// Package stack drives a full z-sweep reconstruction: it enumerates
// the depth planes to visit, reconstructs each one through a supplied
// callback, and persists the resulting stack to disk as a sequence of
// 16-bit TIFF frames alongside a PIV settings file describing where
// the stack lives.
package stack

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

// PlaneFunc reconstructs a single depth plane at frame index frame.
// It is supplied by the caller (typically pkg/session) so this package
// stays independent of calibration, backend selection, and view
// composition.
type PlaneFunc func(z float64, frame int) (models.ImageFrame, error)

// Sweep enumerates the depth planes visited by a z-stack reconstruction,
// from zmin to zmax inclusive in steps of dz. It always includes zmin
// and zmax exactly, even if (zmax-zmin) isn't an exact multiple of dz,
// which is what makes the returned length ceil((zmax-zmin)/dz)+1.
func Sweep(zmin, zmax, dz float64) []float64 {
	if dz <= 0 {
		return []float64{zmin}
	}
	if zmax < zmin {
		zmin, zmax = zmax, zmin
	}

	n := int(math.Ceil((zmax-zmin)/dz)) + 1
	zs := make([]float64, n)
	for i := 0; i < n-1; i++ {
		zs[i] = zmin + float64(i)*dz
	}
	zs[n-1] = zmax
	return zs
}

// Driver reconstructs a full z-stack for a single frame, optionally in
// parallel across depth planes.
type Driver struct {
	Reconstruct PlaneFunc
	// Parallel, when true, reconstructs all depth planes concurrently
	// (one goroutine per plane) rather than sequentially.
	Parallel bool
}

// planeResult pairs a reconstructed frame with its position in the
// sweep so parallel reconstruction can assemble results in order.
type planeResult struct {
	frame models.ImageFrame
	err   error
}

// ReconstructStack reconstructs every plane in zs for the given frame
// index, returning the results in the same order as zs. If any plane
// fails, the first error encountered is returned.
func (d *Driver) ReconstructStack(zs []float64, frame int) ([]models.ImageFrame, error) {
	if d.Reconstruct == nil {
		return nil, fmt.Errorf("stack: driver has no reconstruction function configured")
	}
	if len(zs) == 0 {
		return nil, fmt.Errorf("stack: empty z sweep")
	}

	results := make([]planeResult, len(zs))

	if d.Parallel {
		var wg sync.WaitGroup
		wg.Add(len(zs))
		for i, z := range zs {
			go func(i int, z float64) {
				defer wg.Done()
				f, err := d.Reconstruct(z, frame)
				results[i] = planeResult{frame: f, err: err}
			}(i, z)
		}
		wg.Wait()
	} else {
		for i, z := range zs {
			f, err := d.Reconstruct(z, frame)
			results[i] = planeResult{frame: f, err: err}
		}
	}

	frames := make([]models.ImageFrame, len(zs))
	for i, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("stack: reconstructing plane %d (z=%v): %v", i, zs[i], r.err)
		}
		frames[i] = r.frame
	}
	return frames, nil
}

// FrameStack pairs a time-series frame index with the depth-plane
// z-stack reconstructed for it, so WriteStack can write one
// subdirectory per frame the way the original dump_stack does (it
// loops over frames_ and creates one mkdir per stack_names_[frames_[f]]).
type FrameStack struct {
	Frame  int
	Planes []models.ImageFrame
}

// WriteStack writes one subdirectory per FrameStack (named
// frame_<index>, zero-padded) under dir, or under a numbered sibling
// of dir if dir already exists and is non-empty. Each subdirectory
// holds its z-stack as a sequence of 16-bit grayscale TIFFs named
// prefix_0000.tif, prefix_0001.tif, and so on. It returns the
// directory actually used, so callers that need to point a downstream
// tool at the same location (see WritePIVSettings) don't have to
// re-derive it. Intensities are clamped to [0, 65535] and rounded to
// the nearest integer; callers that want full dynamic range preserved
// should normalize beforehand.
func WriteStack(dir, prefix string, stacks []FrameStack) (string, error) {
	dir, err := uniqueOutputDir(dir)
	if err != nil {
		return "", fmt.Errorf("stack: resolving output directory: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("stack: creating output directory %q: %v", dir, err)
	}

	for _, fs := range stacks {
		frameDir := filepath.Join(dir, fmt.Sprintf("frame_%04d", fs.Frame))
		if err := os.MkdirAll(frameDir, 0o755); err != nil {
			return "", fmt.Errorf("stack: creating frame directory %q: %v", frameDir, err)
		}
		for i, f := range fs.Planes {
			path := filepath.Join(frameDir, fmt.Sprintf("%s_%04d.tif", prefix, i))
			if err := writeTIFF(path, f); err != nil {
				return "", fmt.Errorf("stack: writing %q: %v", path, err)
			}
		}
	}
	return dir, nil
}

// uniqueOutputDir returns dir unchanged if it doesn't exist yet or is
// empty, and otherwise returns the first sibling dir_1, dir_2, ... that
// doesn't exist, so a stale run's output is never silently overwritten.
func uniqueOutputDir(dir string) (string, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return dir, nil
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("output path %q exists and is not a directory", dir)
	}

	empty, err := isEmptyDir(dir)
	if err != nil {
		return "", err
	}
	if empty {
		return dir, nil
	}

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", dir, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err == io.EOF {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return false, nil
}

func writeTIFF(path string, f models.ImageFrame) error {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := f.At(x, y)
			if v < 0 {
				v = 0
			}
			if v > 65535 {
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v + 0.5)})
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	return tiff.Encode(out, img, &tiff.Options{Compression: tiff.Deflate})
}

// PIVSettings mirrors the subset of a downstream PIV analysis tool's
// config file that the reconstruction driver is responsible for
// pointing at its own output: where the stack landed, the
// pixel-to-millimeter scale needed to interpret it metrically, and a
// default multi-resolution correlation schedule (a decreasing sequence
// of interrogation window sizes and their percent overlaps, one triple
// per pass, matching the analysis tool's own x/y/z window convention)
// for the caller to refine per dataset.
type PIVSettings struct {
	DataPath    string  `yaml:"data_path"`
	PIVSavePath string  `yaml:"piv_save_path"`
	PixPerMM    float64 `yaml:"pix_per_mm"`

	DT      float64  `yaml:"dt"`
	Passes  int      `yaml:"passes"`
	Windows [][3]int `yaml:"windows"`
	Overlap [][3]int `yaml:"overlap"`
}

// DefaultPIVSettings returns PIVSettings with placeholder paths and a
// 3-pass, coarse-to-fine window schedule (64 -> 48 -> 32 pixels, 50%
// overlap at every pass) typical of a first cross-correlation attempt.
func DefaultPIVSettings(dataPath, pivSavePath string, pixPerMM float64) PIVSettings {
	return PIVSettings{
		DataPath:    dataPath,
		PIVSavePath: pivSavePath,
		PixPerMM:    pixPerMM,
		DT:          1.0,
		Passes:      3,
		Windows:     [][3]int{{64, 64, 64}, {48, 48, 48}, {32, 32, 32}},
		Overlap:     [][3]int{{50, 50, 50}, {50, 50, 50}, {50, 50, 50}},
	}
}

// WritePIVSettings emits settings to path as YAML.
func WritePIVSettings(path string, settings PIVSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("stack: marshaling PIV settings: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("stack: writing PIV settings to %q: %v", path, err)
	}
	return nil
}
