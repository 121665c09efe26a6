// Package spatial provides the small amount of vector and quaternion math
// the sync engine needs: linear interpolation for positions and scales,
// spherical interpolation for rotations.
//
// Vectors are [3]float64 (x, y, z); quaternions are [4]float64 (x, y, z, w).
package spatial

import "math"

// IdentityQuat is the no-rotation quaternion.
var IdentityQuat = [4]float64{0, 0, 0, 1}

// Lerp linearly interpolates a -> b at t. t is not clamped; values above 1
// extrapolate past b, which is intentional for dead-reckoning between
// network samples.
func Lerp(a, b [3]float64, t float64) [3]float64 {
	return [3]float64{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
		a[2] + (b[2]-a[2])*t,
	}
}

// Slerp spherically interpolates quaternion a -> b at t, taking the shortest
// arc. Falls back to normalized linear interpolation when the quaternions are
// nearly parallel and the spherical formula loses precision.
func Slerp(a, b [4]float64, t float64) [4]float64 {
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2] + a[3]*b[3]
	if dot < 0 {
		dot = -dot
		for i := range b {
			b[i] = -b[i]
		}
	}
	if dot > 0.9995 {
		return NormalizeQuat([4]float64{
			a[0] + (b[0]-a[0])*t,
			a[1] + (b[1]-a[1])*t,
			a[2] + (b[2]-a[2])*t,
			a[3] + (b[3]-a[3])*t,
		})
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return [4]float64{
		a[0]*wa + b[0]*wb,
		a[1]*wa + b[1]*wb,
		a[2]*wa + b[2]*wb,
		a[3]*wa + b[3]*wb,
	}
}

// NormalizeQuat scales q to unit length. A zero quaternion normalizes to
// identity rather than NaN.
func NormalizeQuat(q [4]float64) [4]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return IdentityQuat
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// QuatLen returns the magnitude of q.
func QuatLen(q [4]float64) float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}
