// Package models holds the plain data types shared across the refocusing
// pipeline: camera geometry, refractive slab parameters, and image frames.
package models

import "gonum.org/v1/gonum/spatial/r3"

// Camera is a single calibrated view of the scene.
//
// P maps a homogeneous world point to a homogeneous pixel via P*[X;1].
// C is the camera center in world coordinates. Invariant: C is
// consistent with P, i.e. P*[C;1] is the zero vector up to scale
// (checked, not enforced, at calibration load time; see
// pkg/calibration.Warning).
//
// A Camera is constructed once by pkg/calibration and never mutated
// afterwards.
type Camera struct {
	Name string
	P    [3][4]float64
	C    r3.Vec
}

// RefractiveGeometry describes a flat two-interface dielectric slab
// (air -> glass -> water) between the cameras and the imaged volume.
//
// ZW is the world z-coordinate of the front (air-facing) wall surface,
// T is the wall thickness, and N1, N2, N3 are the refractive indices of
// air, glass, and water respectively. Invariant: T > 0 and all indices
// are strictly positive.
//
// A nil *RefractiveGeometry selects pinhole (non-refractive) mode.
type RefractiveGeometry struct {
	ZW, T      float64
	N1, N2, N3 float64
}
