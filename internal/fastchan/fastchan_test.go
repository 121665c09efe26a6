package fastchan

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubesync/cubesync/document"
	"github.com/cubesync/cubesync/wire"
)

var noplog = zerolog.Nop()

func roomWith(entities ...string) *document.Document {
	ents := map[string]any{}
	for _, id := range entities {
		ents[id] = map[string]any{}
	}
	d := document.New("room")
	d.Replace(map[string]any{"entities": ents})
	return d
}

func positionRecord(id uint32, x, y, z float64) []byte {
	buf := make([]byte, 13)
	wire.PutUint32(buf, id)
	wire.PutFP168(buf[4:], x)
	wire.PutFP168(buf[7:], y)
	wire.PutFP168(buf[10:], z)
	return buf
}

func rotationRecord(id uint32, q [4]float64) []byte {
	buf := make([]byte, 12)
	wire.PutUint32(buf, id)
	for i, v := range q {
		wire.PutFP412(buf[4+2*i:], v)
	}
	return buf
}

func scaleRecord(id uint32, x, y, z float64) []byte {
	buf := make([]byte, 16)
	wire.PutUint32(buf, id)
	wire.PutFP1616(buf[4:], x)
	wire.PutFP1616(buf[8:], y)
	wire.PutFP1616(buf[12:], z)
	return buf
}

func TestPositionSampleAddsOrigin(t *testing.T) {
	d := roomWith("1")
	d.Root()["origin"] = []any{10.0, 20.0, 30.0}
	now := time.Now()

	Decode(d, map[string]any{
		"position": map[string]any{"pdata": positionRecord(1, 1.5, -0.25, 0)},
	}, now, noplog)

	tr := d.TransformFor("1")
	require.True(t, tr.HasPos)
	assert.InDelta(t, 11.5, tr.Pos2[0], 1.0/256)
	assert.InDelta(t, 19.75, tr.Pos2[1], 1.0/256)
	assert.InDelta(t, 30.0, tr.Pos2[2], 1.0/256)
	assert.Equal(t, now, tr.PosTime2)

	// First sample initializes the visible field.
	ent, _ := d.Entity("1")
	pos, ok := document.Vec3(ent["position"])
	require.True(t, ok)
	assert.InDelta(t, 11.5, pos[0], 1.0/256)
}

func TestSecondSampleShifts(t *testing.T) {
	d := roomWith("1")
	t0 := time.Now()
	t1 := t0.Add(100 * time.Millisecond)

	Decode(d, map[string]any{"position": map[string]any{"pdata": positionRecord(1, 1, 0, 0)}}, t0, noplog)
	Decode(d, map[string]any{"position": map[string]any{"pdata": positionRecord(1, 2, 0, 0)}}, t1, noplog)

	tr := d.TransformFor("1")
	assert.InDelta(t, 1.0, tr.Pos1[0], 1.0/256)
	assert.InDelta(t, 2.0, tr.Pos2[0], 1.0/256)
	assert.Equal(t, t0, tr.PosTime1)
	assert.Equal(t, t1, tr.PosTime2)

	// The visible field keeps its first-sample value; smoothing is the
	// interpolator's job.
	ent, _ := d.Entity("1")
	pos, _ := document.Vec3(ent["position"])
	assert.InDelta(t, 1.0, pos[0], 1.0/256)
}

func TestRotationRenormalizes(t *testing.T) {
	d := roomWith("1")

	Decode(d, map[string]any{
		"rotation": map[string]any{"pdata": rotationRecord(1, [4]float64{1, 1, 1, 1})},
	}, time.Now(), noplog)

	tr := d.TransformFor("1")
	require.True(t, tr.HasRot)
	mag := math.Sqrt(tr.Rot2[0]*tr.Rot2[0] + tr.Rot2[1]*tr.Rot2[1] + tr.Rot2[2]*tr.Rot2[2] + tr.Rot2[3]*tr.Rot2[3])
	assert.InDelta(t, 1.0, mag, 1e-9)
	assert.InDelta(t, 0.5, tr.Rot2[0], 1e-3)
}

func TestScaleSample(t *testing.T) {
	d := roomWith("1")

	Decode(d, map[string]any{
		"scale": map[string]any{"pdata": scaleRecord(1, 2, 0.5, 1)},
	}, time.Now(), noplog)

	tr := d.TransformFor("1")
	require.True(t, tr.HasSca)
	assert.InDelta(t, 2.0, tr.Sca2[0], 1.0/65536)
	assert.InDelta(t, 0.5, tr.Sca2[1], 1.0/65536)

	ent, _ := d.Entity("1")
	_, ok := document.Vec3(ent["sca"])
	assert.True(t, ok, "visible field is sca, not scale")
}

func TestMissingEntityKeepsStreamAligned(t *testing.T) {
	d := roomWith("2")

	pdata := append(positionRecord(99, 5, 5, 5), positionRecord(2, 1, 2, 3)...)
	Decode(d, map[string]any{"position": map[string]any{"pdata": pdata}}, time.Now(), noplog)

	assert.False(t, d.TransformFor("99").HasPos)
	tr := d.TransformFor("2")
	require.True(t, tr.HasPos)
	assert.InDelta(t, 1.0, tr.Pos2[0], 1.0/256)
	assert.InDelta(t, 3.0, tr.Pos2[2], 1.0/256)
}

func TestMissingEntityRotationConsumesFullRecord(t *testing.T) {
	d := roomWith("2")

	pdata := append(rotationRecord(99, [4]float64{0, 0, 0, 1}), rotationRecord(2, [4]float64{0, 0, 0, 1})...)
	Decode(d, map[string]any{"rotation": map[string]any{"pdata": pdata}}, time.Now(), noplog)

	assert.True(t, d.TransformFor("2").HasRot)
}

func TestDictionaryBlock(t *testing.T) {
	d := roomWith("1", "2")
	now := time.Now()

	pdata := make([]byte, 16)
	wire.PutUint32(pdata, 1)
	wire.PutUint32(pdata[4:], 2) // dict id 2 -> "run"
	wire.PutUint32(pdata[8:], 7) // entity 7 missing: skipped
	wire.PutUint32(pdata[12:], 1)

	Decode(d, map[string]any{
		"state": map[string]any{
			"dict":  map[string]any{"1": "idle", "2": "run"},
			"pdata": pdata,
		},
	}, now, noplog)

	ent, _ := d.Entity("1")
	assert.Equal(t, "run", ent["state"])
	assert.Equal(t, now, d.TransformFor("1").Changed["state"])

	ent2, _ := d.Entity("2")
	_, touched := ent2["state"]
	assert.False(t, touched)
}

func TestDictionaryUnknownIDSkipped(t *testing.T) {
	d := roomWith("1")

	pdata := make([]byte, 8)
	wire.PutUint32(pdata, 1)
	wire.PutUint32(pdata[4:], 42) // not in dict

	Decode(d, map[string]any{
		"state": map[string]any{"dict": map[string]any{"1": "idle"}, "pdata": pdata},
	}, time.Now(), noplog)

	ent, _ := d.Entity("1")
	_, touched := ent["state"]
	assert.False(t, touched)
}

func TestTruncatedPayloadStops(t *testing.T) {
	d := roomWith("1")
	rec := positionRecord(1, 1, 1, 1)
	Decode(d, map[string]any{"position": map[string]any{"pdata": rec[:10]}}, time.Now(), noplog)
	assert.False(t, d.TransformFor("1").HasPos)
}
