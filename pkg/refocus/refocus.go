// Package refocus generates the per-(camera, depth) refocus map that
// tells the warper which source pixel to sample for each destination
// pixel, either as a dense per-pixel map ("full" mode, solving
// refraction/projection at every pixel) or as a single 3x3 homography
// fit from four corner correspondences ("corner" mode).
package refocus

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/abajpayee/sapiv-refocus/internal/models"
	"github.com/abajpayee/sapiv-refocus/pkg/projection"
	"github.com/abajpayee/sapiv-refocus/pkg/refraction"
)

// Mode selects between the dense per-pixel solve and the fast
// four-corner homography fit.
type Mode int

const (
	// Full solves refraction/projection at every destination pixel.
	Full Mode = iota
	// Corner fits a single homography from the four image corners.
	Corner
)

// Options carries the refocus-map generator's tunable parameters.
type Options struct {
	// Curvature is the legacy cylindrical-distortion radius r used by
	// the pinhole full-mode map: z is replaced by
	// z + r - r*cos(asin(x/r)). math.Inf(1) (the default) disables it.
	Curvature float64

	// RefractiveTol and RefractiveMaxIter configure the Newton-Raphson
	// solver used in refractive mode. Zero values fall back to
	// refraction.DefaultTol / refraction.DefaultMaxIter.
	RefractiveTol     float64
	RefractiveMaxIter int
}

// DefaultOptions returns an Options value with curvature disabled and
// the solver's own defaults for tolerance/iteration cap.
func DefaultOptions() Options {
	return Options{Curvature: math.Inf(1)}
}

// Map is either a homography (corner mode) or a pair of dense sample
// maps (full mode).
type Map struct {
	H             *[9]float64
	XMap, YMap    []float32
	Width, Height int
}

// Warning records a single Newton-Raphson non-convergence encountered
// while building a full-mode refractive map, so the caller can surface
// it as a NumericWarning through the session logger.
type Warning struct {
	PixelX, PixelY int
	Iterations     int
}

// BuildMap computes the refocus map for a single camera at the given
// pose. geom is nil for pinhole mode.
func BuildMap(cam models.Camera, geom *models.RefractiveGeometry, pose models.Pose, scale float64, invertY bool, width, height int, mode Mode, opts Options) (Map, []Warning, error) {
	if width <= 0 || height <= 0 {
		return Map{}, nil, fmt.Errorf("refocus: invalid image size %dx%d", width, height)
	}

	switch mode {
	case Full:
		return buildFull(cam, geom, pose, scale, invertY, width, height, opts)
	case Corner:
		h, err := buildCornerHomography(cam, geom, pose, scale, invertY, width, height)
		if err != nil {
			return Map{}, nil, err
		}
		return Map{H: &h, Width: width, Height: height}, nil, nil
	default:
		return Map{}, nil, fmt.Errorf("refocus: unknown mode %v", mode)
	}
}

// buildFull matches calc_refocus_map (pinhole) / calc_ref_refocus_map
// (refractive): it iterates every destination pixel, promotes it to a
// world point at depth pose.Z, and refracts or projects it directly.
// Following the original solver, only pose.Z affects the sampled plane
// in full mode; lateral shift and rotation are a corner-mode-only
// feature.
func buildFull(cam models.Camera, geom *models.RefractiveGeometry, pose models.Pose, scale float64, invertY bool, width, height int, opts Options) (Map, []Warning, error) {
	dinv := projection.PixelToWorldInverse(scale, invertY, width, height)

	xmap := make([]float32, width*height)
	ymap := make([]float32, width*height)
	var warnings []Warning

	tol := opts.RefractiveTol
	maxIter := opts.RefractiveMaxIter

	curvature := opts.Curvature
	if curvature == 0 {
		curvature = math.Inf(1)
	}

	for i := 0; i < width; i++ {
		for j := 0; j < height; j++ {
			wx, wy, _ := dinv.Apply(float64(i), float64(j))
			z := pose.Z
			if !math.IsInf(curvature, 1) && geom == nil {
				// Legacy cylindrical distortion test: replaces the
				// flat destination plane with a curved one, x-dependent.
				z = curvature - curvature*math.Cos(math.Asin(wx/curvature)) + pose.Z
			}

			world := r3.Vec{X: wx, Y: wy, Z: z}

			var u, v float64
			var ok bool
			if geom != nil {
				a, iters, converged := refraction.Solve(cam.C, world, *geom, tol, maxIter)
				if !converged {
					warnings = append(warnings, Warning{PixelX: i, PixelY: j, Iterations: iters})
				}
				u, v, ok = projection.Project(cam.P, a)
			} else {
				u, v, ok = projection.Project(cam.P, world)
			}
			if !ok {
				u, v = -1, -1
			}

			idx := j*width + i
			xmap[idx] = float32(u)
			ymap[idx] = float32(v)
		}
	}

	return Map{XMap: xmap, YMap: ymap, Width: width, Height: height}, warnings, nil
}

// cornersRefractive is the corner traversal order used by the
// refractive corner-homography path (calc_ref_refocus_H): top-left,
// bottom-left, bottom-right, top-right.
func cornersRefractive(width, height int) [4][2]float64 {
	w, h := float64(width-1), float64(height-1)
	return [4][2]float64{{0, 0}, {0, h}, {w, h}, {w, 0}}
}

// cornersPinhole is the corner traversal order used by the pinhole
// corner-homography path (calc_refocus_H): top-left, top-right,
// bottom-right, bottom-left. This differs from cornersRefractive in the
// second and fourth corners; the specification declines to guess which one, if
// either, is a bug, so both are preserved (see DESIGN.md).
func cornersPinhole(width, height int) [4][2]float64 {
	w, h := float64(width-1), float64(height-1)
	return [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}}
}

func buildCornerHomography(cam models.Camera, geom *models.RefractiveGeometry, pose models.Pose, scale float64, invertY bool, width, height int) ([9]float64, error) {
	dinv := projection.PixelToWorldInverse(scale, invertY, width, height)
	d := scaleMatrix(scale, invertY, width, height)

	var pixelCorners [4][2]float64
	var worldCorners [4]r3.Vec

	if geom != nil {
		pixelCorners = cornersRefractive(width, height)
	} else {
		pixelCorners = cornersPinhole(width, height)
	}

	for i, pc := range pixelCorners {
		wx, wy, _ := dinv.Apply(pc[0], pc[1])

		if geom != nil {
			// The refractive corner path applies shift only; rotation
			// is not applied (matches calc_ref_refocus_H, whose
			// rotation call is dead code in the original). As in the
			// pinhole path, the homography is fit to the unshifted
			// world-plane corner.
			pixelCorners[i] = [2]float64{wx, wy}
			worldCorners[i] = r3.Vec{X: wx + pose.Xs, Y: wy + pose.Ys, Z: pose.Z}
		} else {
			// The pinhole corner path rotates the flat (z=0) plane
			// first, then translates by (xs, ys, z) (matches calc_refocus_H).
			r := projection.EulerRotation(pose.Rx, pose.Ry, pose.Rz, true)
			rotated := projection.RotatePoint(r, r3.Vec{X: wx, Y: wy, Z: 0})
			pixelCorners[i] = [2]float64{rotated.X, rotated.Y}
			worldCorners[i] = r3.Vec{X: rotated.X + pose.Xs, Y: rotated.Y + pose.Ys, Z: rotated.Z + pose.Z}
		}
	}

	var dst [4][2]float64
	for i, wc := range worldCorners {
		var u, v float64
		var ok bool
		if geom != nil {
			a, _, _ := refraction.Solve(cam.C, wc, *geom, 0, 0)
			u, v, ok = projection.Project(cam.P, a)
		} else {
			u, v, ok = projection.Project(cam.P, wc)
		}
		if !ok {
			return [9]float64{}, fmt.Errorf("refocus: degenerate projection at corner %d for camera %q", i, cam.Name)
		}
		dst[i] = [2]float64{u, v}
	}

	// fitHomography(src=dst pixel-space, dst=pixelCorners world-plane
	// space) matches the original's findHomography(dp, sp) call, where
	// dp are the projected camera-pixel points and sp are the
	// world-plane corner points; the result is then converted back to
	// destination-pixel space by premultiplying with D.
	h0, err := fitHomography(dst, pixelCorners)
	if err != nil {
		return [9]float64{}, fmt.Errorf("refocus: homography fit failed for camera %q: %v", cam.Name, err)
	}

	hFinal := d.Mul(h0)
	return [9]float64{
		hFinal[0][0], hFinal[0][1], hFinal[0][2],
		hFinal[1][0], hFinal[1][1], hFinal[1][2],
		hFinal[2][0], hFinal[2][1], hFinal[2][2],
	}, nil
}

// scaleMatrix builds D = diag(scale, scale, 1) (or its invert-y
// variant) with the principal point at the image center, the forward
// counterpart of projection.PixelToWorldInverse.
func scaleMatrix(scale float64, invertY bool, width, height int) projection.Mat3 {
	sy := scale
	if invertY {
		sy = -scale
	}
	return projection.Mat3{
		{scale, 0, float64(width) / 2},
		{0, sy, float64(height) / 2},
		{0, 0, 1},
	}
}

// fitHomography solves the 8-unknown DLT linear system for the 3x3
// homography mapping src[i] -> dst[i] (h22 fixed to 1), using gonum's
// dense linear solve rather than a hand-rolled Gaussian elimination.
func fitHomography(src, dst [4][2]float64) (projection.Mat3, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		X, Y := src[i][0], src[i][1]
		x, y := dst[i][0], dst[i][1]
		r := 2 * i

		a.SetRow(r, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x})
		b.SetVec(r, x)

		a.SetRow(r+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y})
		b.SetVec(r+1, y)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return projection.Mat3{}, err
	}

	return projection.Mat3{
		{h.AtVec(0), h.AtVec(1), h.AtVec(2)},
		{h.AtVec(3), h.AtVec(4), h.AtVec(5)},
		{h.AtVec(6), h.AtVec(7), 1},
	}, nil
}
