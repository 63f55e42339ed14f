// Package session wires configuration, a calibration set, and an
// execution backend into the single most important surface of the
// engine: refocusing one frame at one depth plane. It also owns the
// small set of supplemented features (saturation, weighting, debug
// single-camera mode, and live-parameter setters for an interactive
// front end) that the core algorithm packages deliberately don't know
// about.
package session

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/nfnt/resize"

	"github.com/abajpayee/sapiv-refocus/internal/models"
	"github.com/abajpayee/sapiv-refocus/pkg/backend"
	"github.com/abajpayee/sapiv-refocus/pkg/calibration"
	"github.com/abajpayee/sapiv-refocus/pkg/compose"
	"github.com/abajpayee/sapiv-refocus/pkg/config"
	"github.com/abajpayee/sapiv-refocus/pkg/refocus"
)

// FrameSource is the narrow interface pkg/session consumes from the
// (out of scope) image I/O collaborator: normalized frames by camera
// name and frame index, plus a frame count per camera.
type FrameSource interface {
	Frame(camera string, frame int) (models.ImageFrame, error)
	FrameCount(camera string) (int, error)
}

// WeightMode selects how WeightStacks marks "no signal" pixels.
type WeightMode int

const (
	// WeightMax marks sub-mean pixels with the negative of the frame's
	// own maximum intensity.
	WeightMax WeightMode = iota
	// WeightCameraCount marks sub-mean pixels with the negative of the
	// number of cameras in the calibration set.
	WeightCameraCount
)

// Session ties together the pieces needed to answer the engine's core
// question — "what does the scene look like refocused to this depth
// plane, at this frame?" — while keeping every core package (refraction,
// projection, refocus, warp, compose, backend) free of any notion of
// configuration files, calibration text formats, or logging sinks.
type Session struct {
	Config      *config.Config
	Calibration calibration.Set
	Backend     backend.Backend
	Source      FrameSource
	Logger      Logger

	mu             sync.Mutex
	stacks         map[string]models.ImageStack
	debugCamera    int // -1 disables single-camera debug mode
	width, height  int // working frame size, after Image.ResizeFactor

	// live parameter state, mutated by the Set* methods and read by
	// EmitCurrent; Refocus itself takes these as explicit arguments and
	// additionally records them here so EmitCurrent can replay the last
	// call.
	pose      models.Pose
	threshold float64
	frame     int
}

// New constructs a Session. logger may be nil, in which case warnings
// are discarded. Returns a RuntimeMismatch Error if cfg's refractive
// flag disagrees with whether cal carries a refractive geometry, or a
// ConfigError if cfg's composition mode is not defined for this
// calibration set's camera count and (post-resize) frame dimensions.
// Both are checked here, at construction, rather than left to surface
// lazily on the first Refocus call.
func New(cfg *config.Config, cal calibration.Set, be backend.Backend, src FrameSource, logger Logger) (*Session, error) {
	if cfg.Backend.Refractive && cal.Geometry == nil {
		return nil, newError(RuntimeMismatch, "config requests the refractive model but the calibration set has no geometry", nil)
	}
	if !cfg.Backend.Refractive && cal.Geometry != nil {
		return nil, newError(RuntimeMismatch, "calibration set carries a refractive geometry but config selects the pinhole model", nil)
	}

	combineMode, err := compositionMode(cfg)
	if err != nil {
		return nil, err
	}
	width, height := workingSize(cfg, cal)
	if err := compose.Validate(combineMode, len(cal.Cameras), width, height); err != nil {
		return nil, newError(ConfigError, "composition mode is incompatible with this calibration set", err)
	}

	if logger == nil {
		logger = discardLogger{}
	}

	return &Session{
		Config:      cfg,
		Calibration: cal,
		Backend:     be,
		Source:      src,
		Logger:      logger,
		debugCamera: -1,
		threshold:   cfg.Threshold.Value,
	}, nil
}

// LoadStacks pulls every camera's full frame stack from Source and
// uploads it to Backend. It must be called once before Refocus.
//
// When Config.Image.ResizeFactor scales the loaded frames, the working
// frame size used to build refocus maps is derived from the resized
// frames themselves rather than the calibration file's own width/height,
// since a calibration set built at native resolution wouldn't otherwise
// agree with a resized frame's pixel grid.
func (s *Session) LoadStacks() error {
	width, height := s.Calibration.Width, s.Calibration.Height

	stacks := make(map[string]models.ImageStack, len(s.Calibration.Cameras))
	for camIdx, cam := range s.Calibration.Cameras {
		n, err := s.Source.FrameCount(cam.Name)
		if err != nil {
			return newError(IOError, fmt.Sprintf("counting frames for camera %q", cam.Name), err)
		}
		stack := make(models.ImageStack, n)
		for i := 0; i < n; i++ {
			f, err := s.Source.Frame(cam.Name, i)
			if err != nil {
				return newError(IOError, fmt.Sprintf("reading camera %q frame %d", cam.Name, i), err)
			}
			if s.Config.Image.ResizeFactor != 1.0 && s.Config.Image.ResizeFactor > 0 {
				f = resizeFrame(f, s.Config.Image.ResizeFactor)
			}
			if camIdx == 0 && i == 0 {
				width, height = f.Width, f.Height
			}
			stack[i] = f
		}
		stacks[cam.Name] = stack
	}

	s.mu.Lock()
	s.stacks = stacks
	s.width, s.height = width, height
	s.mu.Unlock()

	if s.Config.Image.Saturate {
		s.saturateLocal()
	}
	if s.Config.Image.WeightMode != "" {
		mode := WeightMax
		if s.Config.Image.WeightMode == "camera_count" {
			mode = WeightCameraCount
		}
		s.weightLocal(mode)
	}

	return s.Backend.UploadAll(s.stacks)
}

// SaturateStacks clamps every uploaded frame's intensities to [0,1],
// remapping anything above 1.0 down to exactly 1.0, and re-uploads the
// result to Backend.
func (s *Session) SaturateStacks() error {
	s.mu.Lock()
	s.saturateLocal()
	stacks := s.stacks
	s.mu.Unlock()
	return s.Backend.UploadAll(stacks)
}

func (s *Session) saturateLocal() {
	for _, stack := range s.stacks {
		for _, f := range stack {
			for i, v := range f.Pix {
				if v > 1 {
					f.Pix[i] = 1
				}
			}
		}
	}
}

// WeightStacks rewrites every uploaded frame's sub-mean pixels to a
// negative "no-signal" marker (see WeightMode), and re-uploads the
// result to Backend. compose.Combine's Mean operator treats negative
// values as ignorable rather than averaging them in.
func (s *Session) WeightStacks(mode WeightMode) error {
	s.mu.Lock()
	s.weightLocal(mode)
	stacks := s.stacks
	s.mu.Unlock()
	return s.Backend.UploadAll(stacks)
}

func (s *Session) weightLocal(mode WeightMode) {
	numCameras := float32(len(s.Calibration.Cameras))
	for _, stack := range s.stacks {
		for fi, f := range stack {
			stack[fi] = weightFrame(f, mode, numCameras)
		}
	}
}

func weightFrame(f models.ImageFrame, mode WeightMode, numCameras float32) models.ImageFrame {
	if len(f.Pix) == 0 {
		return f
	}
	var sum, max float32
	for i, v := range f.Pix {
		sum += v
		if i == 0 || v > max {
			max = v
		}
	}
	mean := sum / float32(len(f.Pix))

	marker := -numCameras
	if mode == WeightMax {
		marker = -max
	}

	out := models.NewImageFrame(f.Width, f.Height)
	for i, v := range f.Pix {
		if v < mean {
			out.Pix[i] = marker
		} else {
			out.Pix[i] = v
		}
	}
	return out
}

// SetDebugCamera restricts subsequent Refocus calls to a single
// camera's warped view, bypassing composition and thresholding
// entirely. Pass a negative index to disable debug mode.
func (s *Session) SetDebugCamera(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugCamera = idx
}

// SetZ, SetRX, SetRY, SetRZ, SetShift, and SetThreshold update the live
// parameter state that EmitCurrent replays; Refocus itself always takes
// its parameters explicitly and also records them here.
func (s *Session) SetZ(z float64) {
	s.mu.Lock()
	s.pose.Z = z
	s.mu.Unlock()
}

func (s *Session) SetRX(rx float64) {
	s.mu.Lock()
	s.pose.Rx = rx
	s.mu.Unlock()
}

func (s *Session) SetRY(ry float64) {
	s.mu.Lock()
	s.pose.Ry = ry
	s.mu.Unlock()
}

func (s *Session) SetRZ(rz float64) {
	s.mu.Lock()
	s.pose.Rz = rz
	s.mu.Unlock()
}

// SetShift sets the destination plane's lateral shift (xs, ys) and its
// depth zs, the same underlying field SetZ writes.
func (s *Session) SetShift(xs, ys, zs float64) {
	s.mu.Lock()
	s.pose.Xs, s.pose.Ys, s.pose.Z = xs, ys, zs
	s.mu.Unlock()
}

func (s *Session) SetThreshold(t float64) {
	s.mu.Lock()
	s.threshold = t
	s.mu.Unlock()
}

func (s *Session) SetFrame(frame int) {
	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()
}

// EmitCurrent re-runs Refocus with the session's current live
// parameter state, as last set by the Set* methods (or the arguments
// of the previous Refocus call).
func (s *Session) EmitCurrent() (models.ImageFrame, error) {
	s.mu.Lock()
	pose := s.pose
	threshold := s.threshold
	frame := s.frame
	s.mu.Unlock()

	return s.Refocus(pose.Z, pose.Rx, pose.Ry, pose.Rz, threshold, frame)
}

// Refocus is the engine's single most important surface: given a depth
// plane z, a rotation (rx, ry, rz), a threshold, and a frame index,
// it warps every camera's frame onto the destination plane, folds the
// views together per the configured composition mode, and thresholds
// the result unless Config.Threshold.Benchmark is set. In single-camera
// debug mode (see SetDebugCamera) it returns that camera's warped view
// as is.
func (s *Session) Refocus(z, rx, ry, rz, threshold float64, frame int) (models.ImageFrame, error) {
	s.mu.Lock()
	s.pose = models.Pose{Xs: s.pose.Xs, Ys: s.pose.Ys, Z: z, Rx: rx, Ry: ry, Rz: rz}
	s.threshold = threshold
	s.frame = frame
	pose := s.pose
	debugCamera := s.debugCamera
	s.mu.Unlock()

	if len(s.Calibration.Cameras) == 0 {
		return models.ImageFrame{}, newError(ConfigError, "calibration set has no cameras", nil)
	}

	mode := refocus.Full
	if s.Config.Backend.CornerHomography {
		mode = refocus.Corner
	}
	opts := refocus.DefaultOptions()
	opts.RefractiveTol = s.Config.Expert.RefractiveTol
	opts.RefractiveMaxIter = s.Config.Expert.RefractiveMaxIter

	s.mu.Lock()
	width, height := s.width, s.height
	s.mu.Unlock()
	if width == 0 || height == 0 {
		width, height = s.Calibration.Width, s.Calibration.Height
	}

	if debugCamera >= 0 {
		if debugCamera >= len(s.Calibration.Cameras) {
			return models.ImageFrame{}, newError(ConfigError, fmt.Sprintf("debug camera index %d out of range", debugCamera), nil)
		}
		cam := s.Calibration.Cameras[debugCamera]
		return s.warpCamera(cam, pose, opts, mode, width, height, frame)
	}

	views := make([]models.ImageFrame, len(s.Calibration.Cameras))
	for i, cam := range s.Calibration.Cameras {
		v, err := s.warpCamera(cam, pose, opts, mode, width, height, frame)
		if err != nil {
			return models.ImageFrame{}, err
		}
		views[i] = v
	}

	combineMode, err := compositionMode(s.Config)
	if err != nil {
		return models.ImageFrame{}, err
	}

	combined, err := s.Backend.Fold(combineMode, views)
	if err != nil {
		var cerr *compose.ConfigError
		if errors.As(err, &cerr) {
			return models.ImageFrame{}, newError(ConfigError, "folding warped views", err)
		}
		return models.ImageFrame{}, newError(RuntimeMismatch, "folding warped views", err)
	}

	if s.Config.Threshold.Benchmark {
		return combined, nil
	}

	thresholdMode := compose.ThresholdStdev
	if s.Config.Threshold.Mode == "absolute" {
		thresholdMode = compose.ThresholdAbsolute
	}
	return s.Backend.Threshold(thresholdMode, threshold, combined), nil
}

func (s *Session) warpCamera(cam models.Camera, pose models.Pose, opts refocus.Options, mode refocus.Mode, width, height, frame int) (models.ImageFrame, error) {
	m, warnings, err := refocus.BuildMap(cam, s.Calibration.Geometry, pose, s.Calibration.Scale, s.Config.Image.InvertY, width, height, mode, opts)
	if err != nil {
		return models.ImageFrame{}, newError(ConfigError, fmt.Sprintf("building refocus map for camera %q", cam.Name), err)
	}
	for _, w := range warnings {
		s.Logger.Warnf("camera %q: refraction solve did not converge at pixel (%d,%d) after %d iterations", cam.Name, w.PixelX, w.PixelY, w.Iterations)
	}

	warped, err := s.Backend.Warp(cam.Name, frame, m)
	if err != nil {
		return models.ImageFrame{}, newError(IOError, fmt.Sprintf("warping camera %q frame %d", cam.Name, frame), err)
	}
	return warped, nil
}

func compositionMode(cfg *config.Config) (compose.Mode, error) {
	switch cfg.Composition.Mode {
	case "mean":
		return compose.Mean(), nil
	case "mult":
		return compose.Mult(cfg.Composition.MultExponent), nil
	case "minlos":
		return compose.MinLoS(), nil
	case "nlca":
		return compose.NLCA(cfg.Composition.NLCAWindow, cfg.Composition.Delta), nil
	case "nlca_fast":
		return compose.NLCAFast(cfg.Composition.Delta), nil
	default:
		return compose.Mode{}, newError(ConfigError, fmt.Sprintf("unrecognized composition mode %q", cfg.Composition.Mode), nil)
	}
}

// workingSize predicts the frame dimensions LoadStacks will end up
// using: the calibration set's native size, scaled by
// Config.Image.ResizeFactor if one applies. New uses this to validate
// the composition mode against the size Refocus will actually see,
// without requiring LoadStacks to have run yet.
func workingSize(cfg *config.Config, cal calibration.Set) (int, int) {
	width, height := cal.Width, cal.Height
	if cfg.Image.ResizeFactor != 1.0 && cfg.Image.ResizeFactor > 0 {
		width = int(float64(width) * cfg.Image.ResizeFactor)
		height = int(float64(height) * cfg.Image.ResizeFactor)
	}
	return width, height
}

// resizeFrame scales f by factor using nfnt/resize's bicubic filter,
// round-tripping through an 8-bit grayscale image since resize.Resize
// operates on image.Image rather than raw float32 sample grids.
func resizeFrame(f models.ImageFrame, factor float64) models.ImageFrame {
	src := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		src.Pix[i] = uint8(v*255 + 0.5)
	}

	newWidth := uint(float64(f.Width) * factor)
	newHeight := uint(float64(f.Height) * factor)
	resized := resize.Resize(newWidth, newHeight, src, resize.Bicubic)

	bounds := resized.Bounds()
	out := models.NewImageFrame(bounds.Dx(), bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, _, _, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out.Set(x, y, float32(r)/65535.0)
		}
	}
	return out
}
