// Package fastchan decodes the binary high-frequency update stream: packed
// transform samples for position/rotation/scale and dictionary-coded scalar
// fields. Decoded samples land in the document's transform side-table where
// the interpolator picks them up.
package fastchan

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cubesync/cubesync/document"
	"github.com/cubesync/cubesync/internal/spatial"
	"github.com/cubesync/cubesync/wire"
)

// Record layout per field: a 4-byte big-endian entity id followed by the
// packed payload. The fixed-point decoders consume (and mutate) the payload
// bytes in place.
const (
	posPayload = 9  // 3 x fp16.8
	rotPayload = 8  // 4 x fp4.12
	scaPayload = 12 // 3 x fp16.16
	dictRecord = 8  // entity id + dictionary id, both u32
)

// Decode applies one fast message's field blocks to doc. Unknown entities are
// skipped record by record so one absent entity cannot desynchronize the rest
// of the stream. Deployed peers advance only the 8 payload bytes past a
// missing rotation entity; this decoder always consumes the full 12-byte
// record and logs when the stream would have diverged.
func Decode(doc *document.Document, fdata map[string]any, now time.Time, log zerolog.Logger) {
	for field, raw := range fdata {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pdata, ok := block["pdata"].([]byte)
		if !ok {
			continue
		}
		if dict, ok := block["dict"].(map[string]any); ok {
			decodeDict(doc, field, dict, pdata, now, log)
			continue
		}
		switch field {
		case "position":
			decodePositions(doc, pdata, now)
		case "rotation":
			decodeRotations(doc, pdata, now, log)
		case "scale":
			decodeScales(doc, pdata, now)
		default:
			log.Debug().Str("field", field).Msg("fast block for unknown field")
		}
	}
}

// decodeDict applies a dictionary block: pairs of (entity id, dict id) where
// the dictionary maps id -> value string.
func decodeDict(doc *document.Document, field string, dict map[string]any, pdata []byte, now time.Time, log zerolog.Logger) {
	values := make(map[uint32]string, len(dict))
	for key, v := range dict {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok {
			values[uint32(id)] = s
		}
	}
	for i := 0; i+dictRecord <= len(pdata); i += dictRecord {
		entityID := strconv.FormatUint(uint64(wire.Uint32(pdata[i:])), 10)
		ent, ok := doc.Entity(entityID)
		if !ok {
			continue
		}
		value, ok := values[wire.Uint32(pdata[i+4:])]
		if !ok {
			log.Warn().Str("field", field).Str("entity", entityID).Msg("dictionary id out of range")
			continue
		}
		ent[field] = value
		doc.TransformFor(entityID).Changed[field] = now
	}
}

func decodePositions(doc *document.Document, pdata []byte, now time.Time) {
	origin := doc.Origin()
	for i := 0; i+4+posPayload <= len(pdata); i += 4 + posPayload {
		entityID := strconv.FormatUint(uint64(wire.Uint32(pdata[i:])), 10)
		ent, ok := doc.Entity(entityID)
		if !ok {
			continue
		}
		p := pdata[i+4:]
		sample := [3]float64{
			wire.FP168(p[0:]) + origin[0],
			wire.FP168(p[3:]) + origin[1],
			wire.FP168(p[6:]) + origin[2],
		}
		tr := doc.TransformFor(entityID)
		if !tr.HasPos {
			tr.Pos1, tr.Pos2 = [3]float64{}, [3]float64{}
			tr.HasPos = true
		} else {
			tr.Pos1, tr.PosTime1 = tr.Pos2, tr.PosTime2
		}
		tr.Pos2, tr.PosTime2 = sample, now
		if _, ok := ent["position"]; !ok {
			ent["position"] = vecSlice(sample[:])
		}
	}
}

func decodeRotations(doc *document.Document, pdata []byte, now time.Time, log zerolog.Logger) {
	for i := 0; i+4+rotPayload <= len(pdata); i += 4 + rotPayload {
		entityID := strconv.FormatUint(uint64(wire.Uint32(pdata[i:])), 10)
		ent, ok := doc.Entity(entityID)
		if !ok {
			log.Debug().Str("entity", entityID).Msg("rotation for unknown entity, skipping full record")
			continue
		}
		p := pdata[i+4:]
		sample := spatial.NormalizeQuat([4]float64{
			wire.FP412(p[0:]),
			wire.FP412(p[2:]),
			wire.FP412(p[4:]),
			wire.FP412(p[6:]),
		})
		tr := doc.TransformFor(entityID)
		if !tr.HasRot {
			tr.Rot1, tr.Rot2 = spatial.IdentityQuat, spatial.IdentityQuat
			tr.HasRot = true
		} else {
			tr.Rot1, tr.RotTime1 = tr.Rot2, tr.RotTime2
		}
		tr.Rot2, tr.RotTime2 = sample, now
		if _, ok := ent["rotation"]; !ok {
			ent["rotation"] = vecSlice(sample[:])
		}
	}
}

func decodeScales(doc *document.Document, pdata []byte, now time.Time) {
	for i := 0; i+4+scaPayload <= len(pdata); i += 4 + scaPayload {
		entityID := strconv.FormatUint(uint64(wire.Uint32(pdata[i:])), 10)
		ent, ok := doc.Entity(entityID)
		if !ok {
			continue
		}
		p := pdata[i+4:]
		sample := [3]float64{
			wire.FP1616(p[0:]),
			wire.FP1616(p[4:]),
			wire.FP1616(p[8:]),
		}
		tr := doc.TransformFor(entityID)
		if !tr.HasSca {
			tr.Sca1, tr.Sca2 = [3]float64{}, [3]float64{}
			tr.HasSca = true
		} else {
			tr.Sca1, tr.ScaTime1 = tr.Sca2, tr.ScaTime2
		}
		tr.Sca2, tr.ScaTime2 = sample, now
		if _, ok := ent["sca"]; !ok {
			ent["sca"] = vecSlice(sample[:])
		}
	}
}

func vecSlice(v []float64) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}
