// Package calibration parses the persisted calibration text file into a
// Set of cameras and, optionally, a refractive slab geometry.
package calibration

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

// Set is the fully parsed calibration: a list of cameras sharing one
// image size and pixel scale, and an optional refractive geometry.
type Set struct {
	Width, Height int
	Scale         float64
	Cameras       []models.Camera
	Geometry      *models.RefractiveGeometry
	ReprojError   float64
	Timestamp     string
}

// CameraByName returns the camera with the given name, or false if none
// matches.
func (s Set) CameraByName(name string) (models.Camera, bool) {
	for _, c := range s.Cameras {
		if c.Name == name {
			return c, true
		}
	}
	return models.Camera{}, false
}

// Warning describes a non-fatal diagnostic surfaced while parsing a
// calibration file: a camera whose center C does not project through
// its own P matrix to (approximately) the zero vector, meaning P and C
// were likely fit independently and disagree.
type Warning struct {
	Camera   string
	Residual float64
}

const centerResidualTolerance = 1e-6

// centerResidual returns how far P*[C;1] is from the zero vector,
// normalized by the largest term in that product so the check holds up
// under P's overall scale ambiguity.
func centerResidual(p [3][4]float64, c r3.Vec) float64 {
	x := [4]float64{c.X, c.Y, c.Z, 1}
	var v [3]float64
	var scale float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			term := p[i][j] * x[j]
			v[i] += term
			if a := math.Abs(term); a > scale {
				scale = a
			}
		}
	}
	norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if scale == 0 {
		return norm
	}
	return norm / scale
}

// Load parses the calibration text file format:
//
//	<timestamp line>
//	<avg_reprojection_error>
//	<img_width> <img_height> <scale>
//	<num_cameras>
//	<empty line> <camera_name>
//	<3x4 P matrix>      12 whitespace-separated doubles
//	<3-vector c>
//	... (repeat num_cameras times)
//	<refractive_flag>
//	[if refractive: zW t n1 n2 n3]
//
// Camera name clashes and malformed matrix shapes are reported as
// errors immediately; the caller must treat any error as fatal to
// session construction. The returned []Warning carries non-fatal
// P/C-consistency diagnostics (see Warning) for the caller to log.
func Load(r io.Reader) (Set, []Warning, error) {
	sc := &tokenScanner{r: bufio.NewReader(r)}

	timestamp, err := sc.readLine()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read timestamp line: %v", err)
	}

	avgErr, err := sc.readFloat()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read average reprojection error: %v", err)
	}

	width, err := sc.readInt()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read image width: %v", err)
	}
	height, err := sc.readInt()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read image height: %v", err)
	}
	scale, err := sc.readFloat()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read pixel scale: %v", err)
	}

	numCams, err := sc.readInt()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read camera count: %v", err)
	}
	if numCams <= 0 {
		return Set{}, nil, fmt.Errorf("calibration: camera count must be positive, got %d", numCams)
	}

	cams := make([]models.Camera, 0, numCams)
	for n := 0; n < numCams; n++ {
		name, err := sc.readNonEmptyLine()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: failed to read name for camera %d: %v", n, err)
		}

		var p [3][4]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				v, err := sc.readFloat()
				if err != nil {
					return Set{}, nil, fmt.Errorf("calibration: camera %q: failed to read P[%d][%d]: %v", name, i, j, err)
				}
				p[i][j] = v
			}
		}

		var c r3.Vec
		cx, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: camera %q: failed to read center x: %v", name, err)
		}
		cy, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: camera %q: failed to read center y: %v", name, err)
		}
		cz, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: camera %q: failed to read center z: %v", name, err)
		}
		c = r3.Vec{X: cx, Y: cy, Z: cz}

		cams = append(cams, models.Camera{Name: name, P: p, C: c})
	}

	if err := checkNameClashes(cams); err != nil {
		return Set{}, nil, err
	}

	refFlag, err := sc.readInt()
	if err != nil {
		return Set{}, nil, fmt.Errorf("calibration: failed to read refractive flag: %v", err)
	}

	var geom *models.RefractiveGeometry
	if refFlag != 0 {
		// Field order on disk is zW, t, n1, n2, n3 (matches the
		// original loader's read sequence).
		zw, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: failed to read zW: %v", err)
		}
		t, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: failed to read wall thickness: %v", err)
		}
		n1, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: failed to read n1: %v", err)
		}
		n2, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: failed to read n2: %v", err)
		}
		n3, err := sc.readFloat()
		if err != nil {
			return Set{}, nil, fmt.Errorf("calibration: failed to read n3: %v", err)
		}
		if t <= 0 {
			return Set{}, nil, fmt.Errorf("calibration: wall thickness must be positive, got %v", t)
		}
		if n1 <= 0 || n2 <= 0 || n3 <= 0 {
			return Set{}, nil, fmt.Errorf("calibration: refractive indices must be positive, got n1=%v n2=%v n3=%v", n1, n2, n3)
		}
		geom = &models.RefractiveGeometry{ZW: zw, T: t, N1: n1, N2: n2, N3: n3}
	}

	var warnings []Warning
	for _, cam := range cams {
		if r := centerResidual(cam.P, cam.C); r > centerResidualTolerance {
			warnings = append(warnings, Warning{Camera: cam.Name, Residual: r})
		}
	}

	return Set{
		Width:       width,
		Height:      height,
		Scale:       scale,
		Cameras:     cams,
		Geometry:    geom,
		ReprojError: avgErr,
		Timestamp:   strings.TrimRight(timestamp, "\r\n"),
	}, warnings, nil
}

func checkNameClashes(cams []models.Camera) error {
	seen := make(map[string]int, len(cams))
	for i, c := range cams {
		if j, ok := seen[c.Name]; ok {
			return fmt.Errorf("calibration: camera name clash: cam_name[%d] is the same as cam_name[%d] (%q)", i, j, c.Name)
		}
		seen[c.Name] = i
	}
	return nil
}

// tokenScanner reads whitespace-separated tokens and full lines from an
// underlying reader, tolerating Windows-style line endings the way the
// original loader strips trailing carriage returns from camera names.
type tokenScanner struct {
	r      *bufio.Reader
	toks   []string
	tokIdx int
}

func (s *tokenScanner) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readNonEmptyLine skips blank lines (the empty line preceding each
// camera name in the file layout) and returns the next non-blank one,
// with any trailing carriage return removed.
func (s *tokenScanner) readNonEmptyLine() (string, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
}

func (s *tokenScanner) nextToken() (string, error) {
	for s.tokIdx >= len(s.toks) {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		s.toks = strings.Fields(line)
		s.tokIdx = 0
		if len(s.toks) > 0 {
			break
		}
		if err != nil {
			return "", err
		}
	}
	tok := s.toks[s.tokIdx]
	s.tokIdx++
	return tok, nil
}

func (s *tokenScanner) readFloat() (float64, error) {
	tok, err := s.nextToken()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q: %v", tok, err)
	}
	return v, nil
}

func (s *tokenScanner) readInt() (int, error) {
	tok, err := s.nextToken()
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("expected an integer, got %q: %v", tok, err)
	}
	return v, nil
}
