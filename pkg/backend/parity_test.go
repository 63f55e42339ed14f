package backend

import (
	"math"
	"testing"

	"github.com/abajpayee/sapiv-refocus/internal/models"
	"github.com/abajpayee/sapiv-refocus/pkg/compose"
	"github.com/abajpayee/sapiv-refocus/pkg/refocus"
)

func checkerFrame(width, height int) models.ImageFrame {
	f := models.NewImageFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Set(x, y, float32((x*7+y*13)%101))
		}
	}
	return f
}

func TestBackendParityWarpHomography(t *testing.T) {
	src := checkerFrame(37, 29)
	h := [9]float64{1.1, 0.05, -3, -0.02, 0.9, 2, 0.0002, -0.0001, 1}
	m := refocus.Map{H: &h, Width: 37, Height: 29}

	cpu := NewCPU()
	acc := NewAccelerator(4)
	cpu.UploadSingle("cam0", 0, src)
	acc.UploadSingle("cam0", 0, src)

	got, err := cpu.Warp("cam0", 0, m)
	if err != nil {
		t.Fatalf("cpu.Warp failed: %v", err)
	}
	want, err := acc.Warp("cam0", 0, m)
	if err != nil {
		t.Fatalf("accelerator.Warp failed: %v", err)
	}

	for i := range got.Pix {
		if got.Pix[i] != want.Pix[i] {
			t.Fatalf("pixel %d differs: cpu=%v accelerator=%v", i, got.Pix[i], want.Pix[i])
		}
	}
}

func TestBackendParityWarpRemap(t *testing.T) {
	src := checkerFrame(20, 15)
	width, height := 20, 15
	xmap := make([]float32, width*height)
	ymap := make([]float32, width*height)
	for i := range xmap {
		xmap[i] = float32(i%width) + 0.3
		ymap[i] = float32(i/width) - 0.4
	}
	m := refocus.Map{XMap: xmap, YMap: ymap, Width: width, Height: height}

	cpu := NewCPU()
	acc := NewAccelerator(3)
	cpu.UploadSingle("cam0", 2, src)
	acc.UploadSingle("cam0", 2, src)

	got, err := cpu.Warp("cam0", 2, m)
	if err != nil {
		t.Fatalf("cpu.Warp failed: %v", err)
	}
	want, err := acc.Warp("cam0", 2, m)
	if err != nil {
		t.Fatalf("accelerator.Warp failed: %v", err)
	}

	for i := range got.Pix {
		if got.Pix[i] != want.Pix[i] {
			t.Fatalf("pixel %d differs: cpu=%v accelerator=%v", i, got.Pix[i], want.Pix[i])
		}
	}
}

func TestBackendWarpMissingCameraErrors(t *testing.T) {
	cpu := NewCPU()
	h := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	_, err := cpu.Warp("nope", 0, refocus.Map{H: &h, Width: 4, Height: 4})
	if err == nil {
		t.Errorf("expected an error for an unuploaded camera")
	}
}

func TestBackendUploadAllReplacesStore(t *testing.T) {
	cpu := NewCPU()
	cpu.UploadSingle("cam0", 0, checkerFrame(4, 4))

	if err := cpu.UploadAll(map[string]models.ImageStack{"cam1": {checkerFrame(4, 4)}}); err != nil {
		t.Fatalf("UploadAll failed: %v", err)
	}

	h := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	if _, err := cpu.Warp("cam0", 0, refocus.Map{H: &h, Width: 4, Height: 4}); err == nil {
		t.Errorf("expected cam0 to be gone after UploadAll")
	}
	if _, err := cpu.Warp("cam1", 0, refocus.Map{H: &h, Width: 4, Height: 4}); err != nil {
		t.Errorf("expected cam1 to be present after UploadAll: %v", err)
	}
}

func TestBackendParityFold(t *testing.T) {
	views := []models.ImageFrame{checkerFrame(16, 16), checkerFrame(16, 16), checkerFrame(16, 16)}
	// Perturb the second and third so Mean/MinLoS aren't trivially equal.
	for i := range views[1].Pix {
		views[1].Pix[i] += 5
		views[2].Pix[i] -= 2
	}

	cpu := NewCPU()
	acc := NewAccelerator(4)

	for _, mode := range []compose.Mode{compose.Mean(), compose.MinLoS(), compose.Mult(1)} {
		got, err := cpu.Fold(mode, views)
		if err != nil {
			t.Fatalf("cpu.Fold failed: %v", err)
		}
		want, err := acc.Fold(mode, views)
		if err != nil {
			t.Fatalf("accelerator.Fold failed: %v", err)
		}
		for i := range got.Pix {
			if got.Pix[i] != want.Pix[i] {
				t.Fatalf("fold pixel %d differs: cpu=%v accelerator=%v", i, got.Pix[i], want.Pix[i])
			}
		}
	}
}

func TestBackendParityFoldNLCA(t *testing.T) {
	// A 16x16 image with an 8-pixel window has tiles spanning 8 rows;
	// sharding Fold by single row would starve combineNLCA of the
	// vertical context each tile needs to compute its own spread.
	views := []models.ImageFrame{checkerFrame(16, 16), checkerFrame(16, 16), checkerFrame(16, 16), checkerFrame(16, 16)}
	for i := range views[1].Pix {
		views[1].Pix[i] += 5
		views[2].Pix[i] -= 2
		views[3].Pix[i] += 10
	}

	cpu := NewCPU()
	acc := NewAccelerator(4)

	mode := compose.NLCA(8, 1.0)
	got, err := cpu.Fold(mode, views)
	if err != nil {
		t.Fatalf("cpu.Fold failed: %v", err)
	}
	want, err := acc.Fold(mode, views)
	if err != nil {
		t.Fatalf("accelerator.Fold failed: %v", err)
	}
	for i := range got.Pix {
		if got.Pix[i] != want.Pix[i] {
			t.Fatalf("NLCA fold pixel %d differs: cpu=%v accelerator=%v", i, got.Pix[i], want.Pix[i])
		}
	}
}

func TestBackendParityThresholdAbsolute(t *testing.T) {
	img := checkerFrame(24, 24)

	cpu := NewCPU()
	acc := NewAccelerator(6)

	got := cpu.Threshold(compose.ThresholdAbsolute, 50, img)
	want := acc.Threshold(compose.ThresholdAbsolute, 50, img)

	for i := range got.Pix {
		if got.Pix[i] != want.Pix[i] {
			t.Fatalf("threshold pixel %d differs: cpu=%v accelerator=%v", i, got.Pix[i], want.Pix[i])
		}
	}
}

func TestBackendParityThresholdStdevMatchesWithinTolerance(t *testing.T) {
	img := checkerFrame(24, 24)

	cpu := NewCPU()
	acc := NewAccelerator(6)

	got := cpu.Threshold(compose.ThresholdStdev, 1.0, img)
	want := acc.Threshold(compose.ThresholdStdev, 1.0, img)

	for i := range got.Pix {
		if math.Abs(float64(got.Pix[i]-want.Pix[i])) > 1e-4 {
			t.Fatalf("threshold pixel %d differs beyond tolerance: cpu=%v accelerator=%v", i, got.Pix[i], want.Pix[i])
		}
	}
}
