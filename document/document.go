// Package document holds the client-side replica model: a named tree of
// user state with an entities mapping, an explicit path-based mutation API
// that feeds the outbound change observer, and a side-table of transform
// samples kept out of the user-visible tree.
package document

import (
	"fmt"
	"strings"
	"time"
)

// ChangeKind classifies an observed mutation.
type ChangeKind string

const (
	// Replace is reported for writes (both fresh and overwriting).
	Replace ChangeKind = "replace"
	// Remove is reported for deletions.
	Remove ChangeKind = "remove"
)

// ChangeFunc receives observed local mutations. It is only invoked for
// observable paths: the leaf name must not start with '_', the path must not
// be under /entities, the leaf must not be in the excluded set, and the
// document must not be suppressing observation (inbound applies are).
type ChangeFunc func(kind ChangeKind, path string, value any)

// Document is one named replica. Not safe for concurrent use; the owning
// client serializes all access.
type Document struct {
	name       string
	root       map[string]any
	transforms map[string]*Transform

	observer ChangeFunc
	excluded map[string]struct{}
	suppress bool
}

// Transform is the per-entity sample buffer for smoothed fields. The last
// two received samples of each field are kept with their arrival times; the
// interpolator blends between them. None of this is ever synced outbound.
type Transform struct {
	Pos1, Pos2         [3]float64
	PosTime1, PosTime2 time.Time
	HasPos             bool

	Rot1, Rot2         [4]float64
	RotTime1, RotTime2 time.Time
	HasRot             bool

	Sca1, Sca2         [3]float64
	ScaTime1, ScaTime2 time.Time
	HasSca             bool

	// Changed records when each field last changed from inbound traffic.
	Changed map[string]time.Time
}

// New creates an empty document.
func New(name string) *Document {
	return &Document{
		name:       name,
		root:       map[string]any{},
		transforms: map[string]*Transform{},
	}
}

// Name returns the document's name.
func (d *Document) Name() string { return d.name }

// Root exposes the raw tree. Callers must route writes through Set/Delete so
// the observer sees them.
func (d *Document) Root() map[string]any { return d.root }

// Replace swaps in a full snapshot, dropping all transform state.
func (d *Document) Replace(root map[string]any) {
	if root == nil {
		root = map[string]any{}
	}
	d.root = root
	d.transforms = map[string]*Transform{}
}

// Reroot swaps the tree while keeping the transform side-table, used after a
// patch application rebuilds the tree.
func (d *Document) Reroot(root map[string]any) {
	if root == nil {
		root = map[string]any{}
	}
	d.root = root
}

// SetObserver installs the change hook. Leaf names in excluded are never
// reported.
func (d *Document) SetObserver(fn ChangeFunc, excluded []string) {
	d.observer = fn
	d.excluded = nil
	if len(excluded) > 0 {
		d.excluded = make(map[string]struct{}, len(excluded))
		for _, name := range excluded {
			d.excluded[name] = struct{}{}
		}
	}
}

// Suppressed runs fn with observation disabled. Used while replaying server
// state locally so inbound changes never echo back as outbound patches.
func (d *Document) Suppressed(fn func()) {
	prev := d.suppress
	d.suppress = true
	fn()
	d.suppress = prev
}

// Suppressing reports whether observation is currently disabled.
func (d *Document) Suppressing() bool { return d.suppress }

// Get resolves a /-separated path. An empty path returns the root.
func (d *Document) Get(path string) (any, bool) {
	segs := splitPath(path)
	var cur any = d.root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps as needed, and
// reports the mutation to the observer when the path is observable.
func (d *Document) Set(path string, value any) error {
	parent, leaf, err := d.ensureParent(path)
	if err != nil {
		return err
	}
	parent[leaf] = value
	if d.observable(path, leaf) {
		d.observer(Replace, path, value)
	}
	return nil
}

// Delete removes the value at path and reports the removal to the observer
// when the path is observable. Deleting a missing path is a no-op.
func (d *Document) Delete(path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("delete: empty path")
	}
	var cur any = d.root
	for _, s := range segs[:len(segs)-1] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[s]
		if !ok {
			return nil
		}
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil
	}
	leaf := segs[len(segs)-1]
	if _, ok := m[leaf]; !ok {
		return nil
	}
	delete(m, leaf)
	if d.observable(path, leaf) {
		d.observer(Remove, path, nil)
	}
	return nil
}

// Entity returns the entity map for id, if present.
func (d *Document) Entity(id string) (map[string]any, bool) {
	ents, ok := d.root["entities"].(map[string]any)
	if !ok {
		return nil, false
	}
	ent, ok := ents[id].(map[string]any)
	return ent, ok
}

// Origin returns the document's coordinate offset, zero when absent.
func (d *Document) Origin() [3]float64 {
	var out [3]float64
	raw, ok := d.root["origin"]
	if !ok {
		return out
	}
	list, ok := raw.([]any)
	if !ok || len(list) < 3 {
		return out
	}
	for i := 0; i < 3; i++ {
		if f, ok := AsFloat(list[i]); ok {
			out[i] = f
		}
	}
	return out
}

// TransformFor returns the sample buffer for an entity, creating it on first
// use.
func (d *Document) TransformFor(id string) *Transform {
	tr, ok := d.transforms[id]
	if !ok {
		tr = &Transform{Changed: map[string]time.Time{}}
		d.transforms[id] = tr
	}
	return tr
}

// Transforms exposes the side-table for the interpolator.
func (d *Document) Transforms() map[string]*Transform { return d.transforms }

func (d *Document) ensureParent(path string) (map[string]any, string, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, "", fmt.Errorf("set: empty path")
	}
	cur := d.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
	return cur, segs[len(segs)-1], nil
}

func (d *Document) observable(path, leaf string) bool {
	if d.observer == nil || d.suppress {
		return false
	}
	if strings.HasPrefix(leaf, "_") {
		return false
	}
	if _, excluded := d.excluded[leaf]; excluded {
		return false
	}
	segs := splitPath(path)
	if len(segs) > 1 && segs[0] == "entities" {
		return false
	}
	return true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// AsFloat coerces the numeric types a decoded frame can carry.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// Vec3 coerces a decoded 3-element list.
func Vec3(v any) ([3]float64, bool) {
	var out [3]float64
	if !fillFloats(v, out[:]) {
		return out, false
	}
	return out, true
}

// Quat coerces a decoded 4-element list.
func Quat(v any) ([4]float64, bool) {
	var out [4]float64
	if !fillFloats(v, out[:]) {
		return out, false
	}
	return out, true
}

func fillFloats(v any, dst []float64) bool {
	switch list := v.(type) {
	case []any:
		if len(list) < len(dst) {
			return false
		}
		for i := range dst {
			f, ok := AsFloat(list[i])
			if !ok {
				return false
			}
			dst[i] = f
		}
		return true
	case []float64:
		if len(list) < len(dst) {
			return false
		}
		copy(dst, list)
		return true
	default:
		return false
	}
}
