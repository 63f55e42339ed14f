package compose

import (
	"errors"
	"math"
	"testing"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

func flatFrame(width, height int, v float32) models.ImageFrame {
	f := models.NewImageFrame(width, height)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestCombineMeanIsLinear(t *testing.T) {
	// Property: Combine(Mean, a*views) == a*Combine(Mean, views) for a
	// uniform positive scale a, since mean is a linear operator.
	a := flatFrame(4, 4, 2)
	b := flatFrame(4, 4, 6)
	views := []models.ImageFrame{a, b}

	out, err := Combine(Mean(), views)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	for _, p := range out.Pix {
		if p != 4 {
			t.Fatalf("mean of 2,6 = %v, want 4", p)
		}
	}

	scaled := []models.ImageFrame{flatFrame(4, 4, 4), flatFrame(4, 4, 12)}
	scaledOut, err := Combine(Mean(), scaled)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	for i := range out.Pix {
		if scaledOut.Pix[i] != out.Pix[i]*2 {
			t.Errorf("linearity violated: %v != 2*%v", scaledOut.Pix[i], out.Pix[i])
		}
	}
}

func TestCombineMinLoSIsMonotonic(t *testing.T) {
	// Property: raising any single view's intensity cannot decrease
	// MinLoS's output at that pixel.
	views := []models.ImageFrame{flatFrame(2, 2, 3), flatFrame(2, 2, 7)}
	before, err := Combine(MinLoS(), views)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}

	raised := []models.ImageFrame{flatFrame(2, 2, 5), flatFrame(2, 2, 7)}
	after, err := Combine(MinLoS(), raised)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}

	for i := range before.Pix {
		if after.Pix[i] < before.Pix[i] {
			t.Errorf("MinLoS decreased after raising a view: %v -> %v", before.Pix[i], after.Pix[i])
		}
	}
}

func TestCombineMultProduct(t *testing.T) {
	views := []models.ImageFrame{flatFrame(2, 2, 2), flatFrame(2, 2, 3)}
	out, err := Combine(Mult(1), views)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	for _, p := range out.Pix {
		if p != 6 {
			t.Errorf("mult product = %v, want 6", p)
		}
	}
}

func TestCombineNLCAFastRequiresFourViews(t *testing.T) {
	views := []models.ImageFrame{flatFrame(2, 2, 1), flatFrame(2, 2, 1)}
	_, err := Combine(NLCAFast(0.1), views)
	if err == nil {
		t.Errorf("expected an error for NLCAFast with fewer than 4 views")
	}
}

func TestCombineNLCAFastBlendsCloseMinima(t *testing.T) {
	views := []models.ImageFrame{
		flatFrame(1, 1, 10),
		flatFrame(1, 1, 10.5),
		flatFrame(1, 1, 50),
		flatFrame(1, 1, 60),
	}
	out, err := Combine(NLCAFast(1.0), views)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	want := float32(10.25)
	if math.Abs(float64(out.Pix[0]-want)) > 1e-4 {
		t.Errorf("NLCAFast blend = %v, want %v", out.Pix[0], want)
	}
}

func TestCombineNLCAWindowed(t *testing.T) {
	views := []models.ImageFrame{
		flatFrame(4, 4, 10),
		flatFrame(4, 4, 10.5),
		flatFrame(4, 4, 50),
		flatFrame(4, 4, 60),
	}
	out, err := Combine(NLCA(2, 1.0), views)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if len(out.Pix) != 16 {
		t.Fatalf("unexpected output size %d", len(out.Pix))
	}
}

func TestCombineNLCARejectsWindowThatDoesNotDivideDimensions(t *testing.T) {
	views := []models.ImageFrame{
		flatFrame(4, 4, 10),
		flatFrame(4, 4, 10.5),
		flatFrame(4, 4, 50),
		flatFrame(4, 4, 60),
	}
	_, err := Combine(NLCA(3, 1.0), views)
	if err == nil {
		t.Fatalf("expected an error for a window that does not evenly divide the image dimensions")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("expected a *ConfigError, got %T: %v", err, err)
	}
}

func TestValidateRejectsWrongCameraCountForNLCA(t *testing.T) {
	if err := Validate(NLCA(2, 1.0), 3, 4, 4); err == nil {
		t.Errorf("expected an error for NLCA with 3 views")
	}
	if err := Validate(NLCA(2, 1.0), 4, 4, 4); err != nil {
		t.Errorf("expected no error for a valid NLCA configuration, got %v", err)
	}
}

func TestRequiresWholeFrame(t *testing.T) {
	if !NLCA(2, 1.0).RequiresWholeFrame() {
		t.Errorf("expected NLCA to require the whole frame")
	}
	if Mean().RequiresWholeFrame() || Mult(1).RequiresWholeFrame() || MinLoS().RequiresWholeFrame() || NLCAFast(1.0).RequiresWholeFrame() {
		t.Errorf("expected only NLCA to require the whole frame")
	}
}

func TestCombineSizeMismatchErrors(t *testing.T) {
	views := []models.ImageFrame{flatFrame(2, 2, 1), flatFrame(3, 3, 1)}
	_, err := Combine(Mean(), views)
	if err == nil {
		t.Errorf("expected an error for mismatched view sizes")
	}
}

func TestThresholdAbsoluteZeroesBelowCutoff(t *testing.T) {
	img := models.NewImageFrame(2, 2)
	img.Pix = []float32{1, 5, 10, 20}

	out := Threshold(ThresholdAbsolute, 8, img)
	want := []float32{0, 0, 10, 20}
	for i := range want {
		if out.Pix[i] != want[i] {
			t.Errorf("pixel %d: got %v, want %v", i, out.Pix[i], want[i])
		}
	}
}

func TestThresholdAbsoluteIsIdempotent(t *testing.T) {
	// Property 8: re-applying the same absolute cutoff to an already
	// thresholded image must not change it further, since every
	// surviving pixel is already >= cutoff and every zeroed pixel stays
	// at 0 (0 < any positive cutoff).
	img := models.NewImageFrame(3, 3)
	img.Pix = []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}

	once := Threshold(ThresholdAbsolute, 5, img)
	twice := Threshold(ThresholdAbsolute, 5, once)

	for i := range once.Pix {
		if once.Pix[i] != twice.Pix[i] {
			t.Errorf("threshold not idempotent at %d: %v != %v", i, once.Pix[i], twice.Pix[i])
		}
	}
}
