package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

// dirFrameSource is a minimal pkg/session.FrameSource backed by one
// subdirectory of numbered TIFF frames per camera: <root>/<camera>/*.tif.
// The full producer described by the non-goals (arbitrary directory
// layouts, undistortion, format sniffing) is out of scope; this exists
// only to make the CLI runnable end to end against real files.
type dirFrameSource struct {
	root  string
	cache map[string][]string // camera -> sorted frame file paths
}

func newDirFrameSource(root string) *dirFrameSource {
	return &dirFrameSource{root: root, cache: make(map[string][]string)}
}

func (d *dirFrameSource) listFiles(camera string) ([]string, error) {
	if files, ok := d.cache[camera]; ok {
		return files, nil
	}

	dir := filepath.Join(d.root, camera)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory %q: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".tif" || ext == ".tiff" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no TIFF frames found in %q", dir)
	}

	sort.Slice(files, func(i, j int) bool {
		return extractFrameNumber(files[i]) < extractFrameNumber(files[j])
	})

	d.cache[camera] = files
	return files, nil
}

// extractFrameNumber pulls the digits out of a frame filename to sort
// frames in acquisition order rather than lexical order.
func extractFrameNumber(path string) int {
	base := filepath.Base(path)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n := 0
	for _, c := range digits.String() {
		n = n*10 + int(c-'0')
	}
	return n
}

func (d *dirFrameSource) FrameCount(camera string) (int, error) {
	files, err := d.listFiles(camera)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (d *dirFrameSource) Frame(camera string, frame int) (models.ImageFrame, error) {
	files, err := d.listFiles(camera)
	if err != nil {
		return models.ImageFrame{}, err
	}
	if frame < 0 || frame >= len(files) {
		return models.ImageFrame{}, fmt.Errorf("frame %d out of range for camera %q (have %d)", frame, camera, len(files))
	}

	f, err := os.Open(files[frame])
	if err != nil {
		return models.ImageFrame{}, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return models.ImageFrame{}, fmt.Errorf("decoding %q: %v", files[frame], err)
	}

	return normalizeToFrame(img), nil
}

// normalizeToFrame converts an arbitrary decoded image into an
// ImageFrame with intensities in [0,1], using the standard grayscale
// luma conversion for anything that isn't already single-channel.
func normalizeToFrame(img image.Image) models.ImageFrame {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := models.NewImageFrame(width, height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			luma := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			out.Set(x, y, float32(luma/65535.0))
		}
	}
	return out
}
