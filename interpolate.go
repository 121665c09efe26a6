package cubesync

import (
	"time"

	"github.com/cubesync/cubesync/document"
	"github.com/cubesync/cubesync/internal/spatial"
)

// Interpolation: the host calls Interpolate once per render frame. Each
// smoothed field is first blended between its last two network samples at
// sample-space alpha, then the visible value eases toward that target with a
// fixed factor. The two stages decouple the render rate from the network
// sample rate and hide jitter up to maxFrameGap; a field whose older sample
// is more than staleAfter old snaps to its newest sample instead of gliding.
const (
	smoothing   = 0.07
	maxFrameGap = 200 * time.Millisecond
	staleAfter  = time.Second
)

// Interpolate advances every smoothed transform field one render frame.
func (c *Client) Interpolate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dt := now.Sub(c.lastInterpolate)
	c.lastInterpolate = now
	if dt <= 0 || dt > maxFrameGap {
		// Clock jump or long pause; taking a giant step would teleport
		// everything, so skip this frame.
		return
	}
	for _, doc := range c.documents {
		interpolateDoc(doc, now)
	}
}

func interpolateDoc(doc *document.Document, now time.Time) {
	for id, tr := range doc.Transforms() {
		ent, ok := doc.Entity(id)
		if !ok {
			continue
		}
		if !tr.PosTime1.IsZero() && !tr.PosTime2.IsZero() {
			stepVec(ent, "position", tr.Pos1, tr.Pos2, tr.PosTime1, tr.PosTime2, tr, now)
		}
		if !tr.RotTime1.IsZero() && !tr.RotTime2.IsZero() {
			stepQuat(ent, tr, now)
		}
		if !tr.ScaTime1.IsZero() && !tr.ScaTime2.IsZero() {
			stepVec(ent, "sca", tr.Sca1, tr.Sca2, tr.ScaTime1, tr.ScaTime2, tr, now)
		}
	}
}

func stepVec(ent map[string]any, field string, s1, s2 [3]float64, t1, t2 time.Time, tr *document.Transform, now time.Time) {
	elapsed := now.Sub(t1)
	if elapsed > staleAfter {
		ent[field] = vecValue(s2)
		return
	}
	target := spatial.Lerp(s1, s2, sampleAlpha(elapsed, t2.Sub(t1)))
	cur, ok := document.Vec3(ent[field])
	if !ok {
		cur = s2
	}
	ent[field] = vecValue(spatial.Lerp(cur, target, smoothing))
	tr.Changed[field] = now
}

func stepQuat(ent map[string]any, tr *document.Transform, now time.Time) {
	elapsed := now.Sub(tr.RotTime1)
	if elapsed > staleAfter {
		ent["rotation"] = quatValue(tr.Rot2)
		return
	}
	target := spatial.Slerp(tr.Rot1, tr.Rot2, sampleAlpha(elapsed, tr.RotTime2.Sub(tr.RotTime1)))
	cur, ok := document.Quat(ent["rotation"])
	if !ok {
		cur = tr.Rot2
	}
	ent["rotation"] = quatValue(spatial.NormalizeQuat(spatial.Slerp(cur, target, smoothing)))
	tr.Changed["rotation"] = now
}

// sampleAlpha maps wall time onto the sample interval. Alpha beyond 1
// extrapolates past the newest sample, which keeps motion fluid while the
// next sample is in flight.
func sampleAlpha(elapsed, interval time.Duration) float64 {
	if interval <= 0 {
		return 1
	}
	a := elapsed.Seconds() / interval.Seconds()
	if a < 0 {
		return 0
	}
	return a
}

func vecValue(v [3]float64) []any  { return []any{v[0], v[1], v[2]} }
func quatValue(q [4]float64) []any { return []any{q[0], q[1], q[2], q[3]} }
