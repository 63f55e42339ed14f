package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/abajpayee/sapiv-refocus/internal/models"
	"github.com/abajpayee/sapiv-refocus/pkg/backend"
	"github.com/abajpayee/sapiv-refocus/pkg/calibration"
	"github.com/abajpayee/sapiv-refocus/pkg/config"
	"github.com/abajpayee/sapiv-refocus/pkg/session"
	"github.com/abajpayee/sapiv-refocus/pkg/stack"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML session config file (defaults used if omitted)")
	calibrationPath := flag.String("calibration", "", "Path to the calibration text file")
	framesDir := flag.String("frames", "", "Directory containing one TIFF-frame subdirectory per camera")
	outputDir := flag.String("output", "refocus_output", "Directory to write the reconstructed depth-stack TIFFs and PIV settings to")
	outputPrefix := flag.String("prefix", "plane", "Filename prefix for the written depth-stack TIFFs")
	frameIndex := flag.Int("frame", -1, "Which stack frame (time index) to reconstruct; -1 (default) reconstructs the frames selected by the config's frames section (every available frame by default)")
	zMin := flag.Float64("zmin", 0, "Minimum depth of the reconstruction sweep")
	zMax := flag.Float64("zmax", 0, "Maximum depth of the reconstruction sweep")
	zStep := flag.Float64("zstep", 1, "Depth step of the reconstruction sweep")
	parallel := flag.Bool("parallel", true, "Reconstruct depth planes concurrently")
	pixPerMM := flag.Float64("pix-per-mm", 1.0, "Pixel-to-millimeter scale recorded in the PIV settings file")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of cores the accelerator backend may use")
	flag.Parse()

	if *calibrationPath == "" || *framesDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("========================================")
	fmt.Println("SYNTHETIC-APERTURE PIV VOLUMETRIC REFOCUSING ENGINE")
	fmt.Println("Grounded in the OpenFV saRefocus refocusing pipeline")
	fmt.Println("========================================")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := session.NewStdLogger(os.Stdout)

	calFile, err := os.Open(*calibrationPath)
	if err != nil {
		log.Fatalf("Failed to open calibration file: %v", err)
	}
	cal, calWarnings, err := calibration.Load(calFile)
	calFile.Close()
	if err != nil {
		log.Fatalf("Failed to parse calibration file: %v", err)
	}
	for _, w := range calWarnings {
		logger.Warnf("camera %q: center C does not project through P to (approximately) zero (relative residual %.3g)", w.Camera, w.Residual)
	}
	fmt.Printf("Loaded calibration: %d cameras, %dx%d, scale=%.4f\n", len(cal.Cameras), cal.Width, cal.Height, cal.Scale)
	if cal.Geometry != nil && !cfg.Backend.Refractive {
		fmt.Println("Warning: calibration carries a refractive geometry but config selects the pinhole model; consider setting backend.refractive: true")
	}

	var be backend.Backend
	if cfg.Backend.UseAccelerator {
		be = backend.NewAccelerator(*numCores)
	} else {
		be = backend.NewCPU()
	}
	defer be.Close()

	src := newDirFrameSource(*framesDir)

	sess, err := session.New(cfg, cal, be, src, logger)
	if err != nil {
		log.Fatalf("Failed to construct session: %v", err)
	}

	fmt.Println("Loading frame stacks...")
	if err := sess.LoadStacks(); err != nil {
		log.Fatalf("Failed to load frame stacks: %v", err)
	}

	frameIndices, err := frameIndicesToReconstruct(*frameIndex, cfg, cal, src)
	if err != nil {
		log.Fatalf("Failed to determine frames to reconstruct: %v", err)
	}

	zs := stack.Sweep(*zMin, *zMax, *zStep)
	fmt.Printf("Reconstructing %d depth planes from z=%.3f to z=%.3f for %d frame(s)...\n", len(zs), *zMin, *zMax, len(frameIndices))

	driver := &stack.Driver{
		Parallel: *parallel,
		Reconstruct: func(z float64, frame int) (models.ImageFrame, error) {
			return sess.Refocus(z, 0, 0, 0, cfg.Threshold.Value, frame)
		},
	}

	startTime := time.Now()
	frameStacks := make([]stack.FrameStack, len(frameIndices))
	for i, frame := range frameIndices {
		planes, err := driver.ReconstructStack(zs, frame)
		if err != nil {
			log.Fatalf("Reconstruction failed for frame %d: %v", frame, err)
		}
		frameStacks[i] = stack.FrameStack{Frame: frame, Planes: planes}
	}
	elapsed := time.Since(startTime)

	fmt.Printf("Reconstructed %d frame(s) of %d planes each in %.2f seconds\n", len(frameStacks), len(zs), elapsed.Seconds())

	writtenDir, err := stack.WriteStack(*outputDir, *outputPrefix, frameStacks)
	if err != nil {
		log.Fatalf("Failed to write depth stack: %v", err)
	}
	fmt.Printf("Wrote depth stack to %s\n", writtenDir)

	pivSettings := stack.DefaultPIVSettings(writtenDir, filepath.Join(writtenDir, "piv"), *pixPerMM)
	pivPath := filepath.Join(writtenDir, "piv_settings.yaml")
	if err := stack.WritePIVSettings(pivPath, pivSettings); err != nil {
		log.Fatalf("Failed to write PIV settings: %v", err)
	}
	fmt.Printf("Wrote PIV settings to %s\n", pivPath)
}

// frameIndicesToReconstruct resolves which time-series frames to dump a
// z-stack for: a single explicit index if requested is >= 0; otherwise,
// when cfg.Frames.All is false, the configured range Start,
// Start+Skip+1, ... up to End inclusive; otherwise every frame the frame
// source has for the first camera, mirroring the original's frames_
// list (which defaults to every uploaded frame when the caller doesn't
// restrict it).
func frameIndicesToReconstruct(requested int, cfg *config.Config, cal calibration.Set, src *dirFrameSource) ([]int, error) {
	if requested >= 0 {
		return []int{requested}, nil
	}
	if !cfg.Frames.All {
		step := cfg.Frames.Skip + 1
		if step < 1 {
			step = 1
		}
		var indices []int
		for f := cfg.Frames.Start; f <= cfg.Frames.End; f += step {
			indices = append(indices, f)
		}
		return indices, nil
	}
	if len(cal.Cameras) == 0 {
		return nil, fmt.Errorf("calibration set has no cameras")
	}
	n, err := src.FrameCount(cal.Cameras[0].Name)
	if err != nil {
		return nil, err
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices, nil
}
