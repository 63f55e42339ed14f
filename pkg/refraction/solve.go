// Package refraction implements the two-interface Snell's-law forward
// projection solver: given a camera center and a target world point
// behind a flat refractive slab, find the point on the front wall
// surface where a physically valid ray path crosses it.
//
// Solve is a pure function — it neither mutates nor depends on any
// session state — so the Newton-Raphson iteration can be tested and
// reasoned about independently of logging, configuration, or the
// calibration set it will eventually be driven by.
package refraction

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/abajpayee/sapiv-refocus/internal/models"
)

// DefaultTol is the default Newton-Raphson convergence tolerance.
const DefaultTol = 1e-9

// DefaultMaxIter is the default Newton-Raphson iteration cap.
const DefaultMaxIter = 20

// Solve finds the point a on the front wall plane z = geom.ZW where a
// ray from camera center c to world target x, refracting at both
// interfaces of geom, enters the first interface.
//
// Preconditions the caller must uphold (undefined behavior otherwise,
// per the solver's contract): x.Z must be strictly greater than
// geom.ZW + geom.T (target outside and beyond the slab), and c.Z must
// be strictly less than geom.ZW (camera outside and in front of the
// slab).
//
// Solve is total: it never panics or errors. If Newton-Raphson does not
// converge within maxIter iterations, it returns converged=false along
// with the last iterate, so callers can decide how to surface a
// diagnostic (see pkg/refocus, which reports it as a NumericWarning
// through the session logger).
func Solve(c, x r3.Vec, geom models.RefractiveGeometry, tol float64, maxIter int) (a r3.Vec, iterations int, converged bool) {
	if tol <= 0 {
		tol = DefaultTol
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}

	zW, t := geom.ZW, geom.T
	n1, n2, n3 := geom.N1, geom.N2, geom.N3

	// Straight-line intersections with the two slab interfaces give the
	// initial iterate and the fixed cylindrical geometry (radial/axial
	// distances, azimuth) that the Newton-Raphson solve operates on.
	a0x := c.X + (x.X-c.X)*(zW-c.Z)/(x.Z-c.Z)
	a0y := c.Y + (x.Y-c.Y)*(zW-c.Z)/(x.Z-c.Z)
	b0x := c.X + (x.X-c.X)*(t+zW-c.Z)/(x.Z-c.Z)
	b0y := c.Y + (x.Y-c.Y)*(t+zW-c.Z)/(x.Z-c.Z)
	b0z := t + zW

	rp := math.Hypot(x.X-c.X, x.Y-c.Y)
	dp := x.Z - b0z
	phi := math.Atan2(x.Y-c.Y, x.X-c.X)

	ra := math.Hypot(a0x-c.X, a0y-c.Y)
	rb := math.Hypot(b0x-c.X, b0y-c.Y)
	da := zW - c.Z
	db := b0z - zW

	converged = false
	iterations = maxIter
	for i := 0; i < maxIter; i++ {
		f, g, dfdra, dfdrb, dgdra, dgdrb := snellResidualsAndJacobian(ra, rb, da, db, rp, dp, n1, n2, n3)

		det := dfdra*dgdrb - dfdrb*dgdra
		draNext := ra - (f*dgdrb-g*dfdrb)/det
		drbNext := rb - (g*dfdra-f*dgdra)/det

		res := math.Abs(draNext-ra) + math.Abs(drbNext-rb)
		ra, rb = draNext, drbNext

		if res < tol {
			iterations = i + 1
			converged = true
			break
		}
	}

	return r3.Vec{
		X: ra*math.Cos(phi) + c.X,
		Y: ra*math.Sin(phi) + c.Y,
		Z: zW,
	}, iterations, converged
}

// snellResidualsAndJacobian evaluates the two Snell equations
//
//	f(ra,rb) = ra/sqrt(ra^2+da^2) - (n2/n1)*(rb-ra)/sqrt((rb-ra)^2+db^2)
//	g(ra,rb) = (rb-ra)/sqrt((rb-ra)^2+db^2) - (n3/n2)*(rp-rb)/sqrt((rp-rb)^2+dp^2)
//
// and their analytic partial derivatives, matching the closed-form
// Jacobian of the original two-interface refractive solver term by
// term.
func snellResidualsAndJacobian(ra, rb, da, db, rp, dp, n1, n2, n3 float64) (f, g, dfdra, dfdrb, dgdra, dgdrb float64) {
	f = ra/math.Sqrt(ra*ra+da*da) - (n2/n1)*(rb-ra)/math.Sqrt((rb-ra)*(rb-ra)+db*db)
	g = (rb-ra)/math.Sqrt((rb-ra)*(rb-ra)+db*db) - (n3/n2)*(rp-rb)/math.Sqrt((rp-rb)*(rp-rb)+dp*dp)

	dfdra = (1.0)/math.Sqrt(ra*ra+da*da) -
		(ra*ra)/math.Pow(ra*ra+da*da, 1.5) +
		(n2/n1)/math.Sqrt((ra-rb)*(ra-rb)+db*db) -
		(n2/n1)*(ra-rb)*(2*ra-2*rb)/(2*math.Pow((ra-rb)*(ra-rb)+db*db, 1.5))

	dfdrb = (n2/n1)*(ra-rb)*(2*ra-2*rb)/(2*math.Pow((ra-rb)*(ra-rb)+db*db, 1.5)) -
		(n2/n1)/math.Sqrt((ra-rb)*(ra-rb)+db*db)

	dgdra = (ra-rb)*(2*ra-2*rb)/(2*math.Pow((ra-rb)*(ra-rb)+db*db, 1.5)) -
		(1.0)/math.Sqrt((ra-rb)*(ra-rb)+db*db)

	dgdrb = (1.0)/math.Sqrt((ra-rb)*(ra-rb)+db*db) +
		(n3/n2)/math.Sqrt((rb-rp)*(rb-rp)+dp*dp) -
		(ra-rb)*(2*ra-2*rb)/(2*math.Pow((ra-rb)*(ra-rb)+db*db, 1.5)) -
		(n3/n2)*(rb-rp)*(2*rb-2*rp)/(2*math.Pow((rb-rp)*(rb-rp)+dp*dp, 1.5))

	return
}
