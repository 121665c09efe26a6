package wire

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Patch op translation between the compact wire form and RFC 6902.
//
// Wire form: {p: path, v: value, o?: letter}. A missing o means replace;
// the letters map a -> add, r -> remove, t -> test. Old peers also emit
// d ("delete"), which carries remove semantics — both letters translate to
// remove here.

// Patch kinds in standard RFC 6902 spelling.
const (
	OpReplace = "replace"
	OpAdd     = "add"
	OpRemove  = "remove"
	OpTest    = "test"
)

// Op is a patch operation in standard form.
type Op struct {
	Op    string
	Path  string
	Value any
}

// OpFromWire translates a compact wire op into standard form.
func OpFromWire(m map[string]any) (Op, error) {
	path, ok := m["p"].(string)
	if !ok {
		return Op{}, fmt.Errorf("patch op: missing path")
	}
	op := Op{Path: path, Value: m["v"]}
	code, _ := m["o"].(string)
	switch code {
	case "":
		op.Op = OpReplace
	case "a":
		op.Op = OpAdd
	case "r", "d":
		op.Op = OpRemove
	case "t":
		op.Op = OpTest
	default:
		return Op{}, fmt.Errorf("patch op: unknown code %q", code)
	}
	return op, nil
}

// WireForm translates a standard op back to the compact wire shape.
func (op Op) WireForm() map[string]any {
	m := map[string]any{"p": op.Path}
	switch op.Op {
	case OpAdd:
		m["o"] = "a"
		m["v"] = op.Value
	case OpRemove:
		m["o"] = "r"
	case OpTest:
		m["o"] = "t"
		m["v"] = op.Value
	default:
		m["v"] = op.Value
	}
	return m
}

// applyOptions: adds may create intermediate containers and removes of
// already-gone paths succeed, matching the last-writer-wins replication
// model where ops can race a newer full snapshot. ApplyOp additionally
// retries a rejected replace as an add.
var applyOptions = &jsonpatch.ApplyOptions{
	EnsurePathExistsOnAdd:    true,
	AllowMissingPathOnRemove: true,
}

// ApplyOp applies a single op to a JSON document and returns the patched
// bytes. Each op is applied on its own so one rejected op cannot poison the
// rest of a patch message.
func ApplyOp(doc []byte, op Op) ([]byte, error) {
	entry := map[string]any{"op": op.Op, "path": op.Path}
	if op.Op != OpRemove {
		entry["value"] = op.Value
	}
	raw, err := json.Marshal([]map[string]any{entry})
	if err != nil {
		return nil, fmt.Errorf("marshal op: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode op: %w", err)
	}
	out, err := patch.ApplyWithOptions(doc, applyOptions)
	if err != nil && op.Op == OpReplace {
		// Replacing a path that does not exist yet creates it: fresh writes
		// are reported as replace, so peers send them that way.
		return ApplyOp(doc, Op{Op: OpAdd, Path: op.Path, Value: op.Value})
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s %s: %w", op.Op, op.Path, err)
	}
	return out, nil
}
