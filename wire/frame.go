package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame serialization: msgpack with 32-bit floats, gzip for mid-sized frames.
//
// The protocol always puts floats on the wire as float32 — below ~1e-7 the
// precision loss is real but irrelevant for spatial coordinates. Frames whose
// encoded size falls strictly between gzipMin and gzipMax are compressed at
// the fastest setting; tiny frames aren't worth the header overhead and huge
// frames are chunked upstream anyway.
const (
	gzipMin = 256
	gzipMax = 999999
)

// Marshal encodes a frame for the wire: msgpack with float64 values shrunk
// to float32, then conditional gzip.
func Marshal(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(shrinkFloats(v))
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(raw) <= gzipMin || len(raw) >= gzipMax {
		return raw, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("gzip frame: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a frame: gunzip if the payload is compressed (detected by
// attempting decompression and falling through on failure), then msgpack into
// a normalized map tree.
func Unmarshal(data []byte) (map[string]any, error) {
	if zr, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		if plain, err := io.ReadAll(zr); err == nil {
			data = plain
		}
	}
	var v map[string]any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	m, _ := normalize(v).(map[string]any)
	if m == nil {
		return nil, fmt.Errorf("decode frame: not a map")
	}
	return m, nil
}

// shrinkFloats walks a value tree converting every float64 to float32 so the
// msgpack encoder emits 32-bit floats. Maps and slices are rebuilt; all other
// values pass through.
func shrinkFloats(v any) any {
	switch t := v.(type) {
	case float64:
		return float32(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = shrinkFloats(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = shrinkFloats(e)
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = float32(e)
		}
		return out
	default:
		return v
	}
}

// normalize rewrites a decoded tree into a predictable shape: float32 widens
// to float64, every integer flavor becomes int64, map[any]any keys become
// strings where possible. Binary payloads stay []byte.
func normalize(v any) any {
	switch t := v.(type) {
	case float32:
		return float64(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}
