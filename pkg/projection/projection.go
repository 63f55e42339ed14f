// Package projection provides the pinhole projection primitives shared
// by both optical models: the pixel-to-world plane mapping, the Euler
// rotation builder, and homogeneous point projection through a camera's
// 3x4 matrix.
package projection

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a plain 3x3 matrix, row-major.
type Mat3 [3][3]float64

// PixelToWorldInverse builds the inverse of D = diag(scale, scale, 1)
// with principal point at the image center, i.e. the matrix mapping a
// homogeneous pixel coordinate (u, v, 1) onto a unit-depth world-anchored
// ray plane. When invertY is set, the y diagonal entry of D (and hence
// of its inverse) is negated.
func PixelToWorldInverse(scale float64, invertY bool, width, height int) Mat3 {
	sy := scale
	if invertY {
		sy = -scale
	}
	// D = [[scale, 0, width/2], [0, sy, height/2], [0, 0, 1]]
	// D^-1 = [[1/scale, 0, -width/(2*scale)], [0, 1/sy, -height/(2*sy)], [0, 0, 1]]
	return Mat3{
		{1.0 / scale, 0, -float64(width) / (2.0 * scale)},
		{0, 1.0 / sy, -float64(height) / (2.0 * sy)},
		{0, 0, 1},
	}
}

// Apply multiplies a homogeneous point (x, y, 1) by m.
func (m Mat3) Apply(x, y float64) (float64, float64, float64) {
	rx := m[0][0]*x + m[0][1]*y + m[0][2]
	ry := m[1][0]*x + m[1][1]*y + m[1][2]
	rz := m[2][0]*x + m[2][1]*y + m[2][2]
	return rx, ry, rz
}

// Mul multiplies two 3x3 matrices, a*b.
func (a Mat3) Mul(b Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// EulerRotation builds the 3x3 rotation matrix R = Rz * Ry * Rx (applied
// to a column vector as R*v, matching the fixed X.Y.Z Euler order named
// in the specification: the point is first rotated about X, then about
// Y, then about Z). Angles are taken in degrees unless degrees is false.
func EulerRotation(rx, ry, rz float64, degrees bool) Mat3 {
	if degrees {
		rx *= math.Pi / 180
		ry *= math.Pi / 180
		rz *= math.Pi / 180
	}

	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)

	Rx := Mat3{
		{1, 0, 0},
		{0, cx, -sx},
		{0, sx, cx},
	}
	Ry := Mat3{
		{cy, 0, sy},
		{0, 1, 0},
		{-sy, 0, cy},
	}
	Rz := Mat3{
		{cz, -sz, 0},
		{sz, cz, 0},
		{0, 0, 1},
	}

	return Rz.Mul(Ry).Mul(Rx)
}

// RotatePoint applies rotation matrix r to world point p.
func RotatePoint(r Mat3, p r3.Vec) r3.Vec {
	return r3.Vec{
		X: r[0][0]*p.X + r[0][1]*p.Y + r[0][2]*p.Z,
		Y: r[1][0]*p.X + r[1][1]*p.Y + r[1][2]*p.Z,
		Z: r[2][0]*p.X + r[2][1]*p.Y + r[2][2]*p.Z,
	}
}

// Project maps a homogeneous world point through camera matrix p and
// divides by the resulting homogeneous w-coordinate, yielding pixel
// coordinates (u, v). ok is false only when w is degenerate (|w| below
// a small epsilon), keeping the function total per the "solver is
// total" contract shared with pkg/refraction.
func Project(p [3][4]float64, x r3.Vec) (u, v float64, ok bool) {
	px := p[0][0]*x.X + p[0][1]*x.Y + p[0][2]*x.Z + p[0][3]
	py := p[1][0]*x.X + p[1][1]*x.Y + p[1][2]*x.Z + p[1][3]
	pw := p[2][0]*x.X + p[2][1]*x.Y + p[2][2]*x.Z + p[2][3]

	if math.Abs(pw) < 1e-12 {
		return 0, 0, false
	}
	return px / pw, py / pw, true
}
