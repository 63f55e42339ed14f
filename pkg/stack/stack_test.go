package stack

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

func TestSweepInclusiveBounds(t *testing.T) {
	zs := Sweep(0, 10, 3)
	if zs[0] != 0 {
		t.Errorf("first element = %v, want 0", zs[0])
	}
	if zs[len(zs)-1] != 10 {
		t.Errorf("last element = %v, want 10", zs[len(zs)-1])
	}
}

func TestSweepLengthMatchesCeilPlusOne(t *testing.T) {
	// Property 9: a sweep from zmin to zmax by dz produces
	// ceil((zmax-zmin)/dz)+1 planes.
	zmin, zmax, dz := -5.0, 7.5, 0.5
	zs := Sweep(zmin, zmax, dz)
	want := int(math.Ceil((zmax-zmin)/dz)) + 1
	if len(zs) != want {
		t.Errorf("got %d planes, want %d", len(zs), want)
	}
}

func TestSweepHandlesSwappedBounds(t *testing.T) {
	zs := Sweep(10, 0, 1)
	if zs[0] != 0 || zs[len(zs)-1] != 10 {
		t.Errorf("swapped bounds not normalized: got %v", zs)
	}
}

func TestDriverReconstructStackSequential(t *testing.T) {
	calls := 0
	d := &Driver{Reconstruct: func(z float64, frame int) (models.ImageFrame, error) {
		calls++
		f := models.NewImageFrame(2, 2)
		f.Pix[0] = float32(z)
		return f, nil
	}}

	zs := []float64{0, 1, 2}
	frames, err := d.ReconstructStack(zs, 0)
	if err != nil {
		t.Fatalf("ReconstructStack failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	for i, f := range frames {
		if f.Pix[0] != float32(zs[i]) {
			t.Errorf("frame %d: got %v, want %v", i, f.Pix[0], zs[i])
		}
	}
}

func TestDriverReconstructStackParallelPreservesOrder(t *testing.T) {
	d := &Driver{
		Parallel: true,
		Reconstruct: func(z float64, frame int) (models.ImageFrame, error) {
			f := models.NewImageFrame(1, 1)
			f.Pix[0] = float32(z)
			return f, nil
		},
	}

	zs := []float64{0, 1, 2, 3, 4}
	frames, err := d.ReconstructStack(zs, 0)
	if err != nil {
		t.Fatalf("ReconstructStack failed: %v", err)
	}
	for i, f := range frames {
		if f.Pix[0] != float32(zs[i]) {
			t.Errorf("frame %d out of order: got %v, want %v", i, f.Pix[0], zs[i])
		}
	}
}

func TestDriverReconstructStackPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	d := &Driver{Reconstruct: func(z float64, frame int) (models.ImageFrame, error) {
		return models.ImageFrame{}, wantErr
	}}

	_, err := d.ReconstructStack([]float64{0}, 0)
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestWriteStackCreatesOneSubdirectoryPerFrame(t *testing.T) {
	dir := t.TempDir()
	stacks := []FrameStack{
		{Frame: 0, Planes: []models.ImageFrame{models.NewImageFrame(4, 4), models.NewImageFrame(4, 4)}},
		{Frame: 3, Planes: []models.ImageFrame{models.NewImageFrame(4, 4)}},
	}

	got, err := WriteStack(dir, "slice", stacks)
	if err != nil {
		t.Fatalf("WriteStack failed: %v", err)
	}
	if got != dir {
		t.Errorf("expected WriteStack to use the empty target directory %q unchanged, got %q", dir, got)
	}

	for _, fs := range stacks {
		frameDir := filepath.Join(dir, frameDirName(fs.Frame))
		for i := range fs.Planes {
			path := filepath.Join(frameDir, planeFileName(i))
			if _, err := os.Stat(path); err != nil {
				t.Errorf("expected file %q to exist: %v", path, err)
			}
		}
	}
}

func TestWriteStackRoutesToSiblingWhenTargetNonEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "preexisting.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to seed non-empty directory: %v", err)
	}

	stacks := []FrameStack{{Frame: 0, Planes: []models.ImageFrame{models.NewImageFrame(2, 2)}}}
	got, err := WriteStack(dir, "slice", stacks)
	if err != nil {
		t.Fatalf("WriteStack failed: %v", err)
	}
	if got == dir {
		t.Fatalf("expected WriteStack to route to a sibling directory since %q is non-empty", dir)
	}
	path := filepath.Join(got, frameDirName(0), planeFileName(0))
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected frame file to exist in sibling directory %q: %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, frameDirName(0), planeFileName(0))); err == nil {
		t.Errorf("expected the original non-empty directory to be left untouched")
	}
}

func frameDirName(frame int) string {
	return fmt.Sprintf("frame_%04d", frame)
}

func planeFileName(i int) string {
	return fmt.Sprintf("slice_%04d.tif", i)
}

func TestWritePIVSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "piv.yaml")

	settings := DefaultPIVSettings("/data/stack", "/data/piv-out", 12.5)
	if err := WritePIVSettings(path, settings); err != nil {
		t.Fatalf("WritePIVSettings failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back settings file: %v", err)
	}
	if len(data) == 0 {
		t.Errorf("expected non-empty settings file")
	}

	var readBack PIVSettings
	if err := yaml.Unmarshal(data, &readBack); err != nil {
		t.Fatalf("failed to unmarshal settings file: %v", err)
	}
	if readBack.Passes != 3 {
		t.Errorf("got %d passes, want 3", readBack.Passes)
	}
	if len(readBack.Windows) != readBack.Passes || len(readBack.Overlap) != readBack.Passes {
		t.Fatalf("windows/overlap lists must have one entry per pass: got %d windows, %d overlaps, %d passes",
			len(readBack.Windows), len(readBack.Overlap), readBack.Passes)
	}
	if readBack.Windows[0] != [3]int{64, 64, 64} {
		t.Errorf("first-pass window = %v, want [64 64 64]", readBack.Windows[0])
	}
	if readBack.Windows[len(readBack.Windows)-1] != [3]int{32, 32, 32} {
		t.Errorf("last-pass window = %v, want [32 32 32]", readBack.Windows[len(readBack.Windows)-1])
	}
}
