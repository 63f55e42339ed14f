// Package warp resamples an image frame through either a 3x3
// homography or an explicit per-pixel sample map, using bilinear
// interpolation and treating out-of-bounds samples as zero (matching
// OpenCV's default border behavior that the original renderer relied
// on implicitly).
package warp

import "github.com/abajpayee/sapiv-refocus/internal/models"

// Homography resamples src into a width x height destination frame
// using homography h (row-major), which maps source-pixel coordinates
// to destination-pixel coordinates, the direction pkg/refocus's
// corner-mode maps build. This mirrors OpenCV's warpPerspective called
// without WARP_INVERSE_MAP: the caller supplies the forward (source ->
// destination) mapping and warpPerspective inverts it internally
// before sampling, so Homography inverts h once up front and reuses
// the inverse (destination -> source) for every pixel.
func Homography(src models.ImageFrame, h [9]float64, width, height int) models.ImageFrame {
	hInv := InvertHomography(h)
	dst := models.NewImageFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst.Set(x, y, HomographyPixel(src, hInv, x, y))
		}
	}
	return dst
}

// InvertHomography returns the matrix inverse of the row-major 3x3
// homography h. Callers that shard the resampling by pixel across many
// HomographyPixel calls with the same h (see pkg/backend's accelerator
// implementation) should invert once and reuse the result rather than
// calling this per pixel.
func InvertHomography(h [9]float64) [9]float64 {
	a, b, c := h[0], h[1], h[2]
	d, e, f := h[3], h[4], h[5]
	g, i, j := h[6], h[7], h[8]

	det := a*(e*j-f*i) - b*(d*j-f*g) + c*(d*i-e*g)
	if det == 0 {
		return [9]float64{}
	}
	inv := 1 / det

	return [9]float64{
		(e*j - f*i) * inv, (c*i - b*j) * inv, (b*f - c*e) * inv,
		(f*g - d*j) * inv, (a*j - c*g) * inv, (c*d - a*f) * inv,
		(d*i - e*g) * inv, (b*g - a*i) * inv, (a*e - b*d) * inv,
	}
}

// HomographyPixel computes a single destination pixel of Homography
// given hInv, the already-inverted (destination -> source) homography,
// so callers that shard the resampling themselves (see pkg/backend's
// accelerator implementation) can compute exactly the same value
// per-pixel rather than re-deriving the math or re-inverting per call.
func HomographyPixel(src models.ImageFrame, hInv [9]float64, x, y int) float32 {
	fx := float64(x)
	fy := float64(y)
	wx := hInv[0]*fx + hInv[1]*fy + hInv[2]
	wy := hInv[3]*fx + hInv[4]*fy + hInv[5]
	ww := hInv[6]*fx + hInv[7]*fy + hInv[8]
	if ww == 0 {
		return 0
	}
	return bilinear(src, wx/ww, wy/ww)
}

// Remap resamples src into a width x height destination frame using an
// explicit pair of per-destination-pixel source coordinates, as
// produced by pkg/refocus's full mode. xmap/ymap must each have
// width*height entries in row-major order.
func Remap(src models.ImageFrame, xmap, ymap []float32, width, height int) models.ImageFrame {
	dst := models.NewImageFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst.Set(x, y, RemapPixel(src, xmap, ymap, width, x, y))
		}
	}
	return dst
}

// RemapPixel computes a single destination pixel of Remap.
func RemapPixel(src models.ImageFrame, xmap, ymap []float32, width, x, y int) float32 {
	idx := y*width + x
	return bilinear(src, float64(xmap[idx]), float64(ymap[idx]))
}

// bilinear samples src at fractional coordinate (x, y), returning 0
// when (x, y) lies outside [0, Width-1] x [0, Height-1]. On the last
// row or column the out-of-frame neighbours carry zero weight, so an
// exact sample there returns the source value.
func bilinear(src models.ImageFrame, x, y float64) float32 {
	if x < 0 || y < 0 || x > float64(src.Width-1) || y > float64(src.Height-1) {
		return 0
	}

	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1

	dx := float32(x - float64(x0))
	dy := float32(y - float64(y0))

	v00 := src.At(x0, y0)
	v10 := src.At(x1, y0)
	v01 := src.At(x0, y1)
	v11 := src.At(x1, y1)

	top := v00 + (v10-v00)*dx
	bottom := v01 + (v11-v01)*dx
	return top + (bottom-top)*dy
}
