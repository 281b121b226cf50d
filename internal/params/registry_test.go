package params

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUnknownParam(t *testing.T) {
	r := Default()
	_, err := r.Get("does_not_exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownParam))
}

func TestToNestedPath(t *testing.T) {
	r := Default()
	path, err := r.ToNestedPath("min_interval_ms")
	require.NoError(t, err)
	assert.Equal(t, "quote.min_interval_ms", path)

	path, err = r.ToNestedPath("impact_cap_ratio")
	require.NoError(t, err)
	assert.Equal(t, "risk.impact_cap_ratio", path)
}

func TestClampDeltaHardRange(t *testing.T) {
	r := Default()

	// Over the hard cap.
	res, err := r.ClampDelta("min_interval_ms", 195, 230)
	require.NoError(t, err)
	assert.Equal(t, 200.0, res.Value)
	assert.True(t, res.Clipped)
	assert.Equal(t, "CAPPED at 200", res.Reason)

	// Under the hard floor.
	res, err = r.ClampDelta("impact_cap_ratio", 0.065, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, res.Value, 1e-9)
	assert.True(t, res.Clipped)
	assert.Equal(t, "FLOORED at 0.06", res.Reason)
}

func TestClampDeltaStepCap(t *testing.T) {
	r := Default()

	// min_interval_ms max step is 40; a +100 jump is cut to +40.
	res, err := r.ClampDelta("min_interval_ms", 60, 160)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Value)
	assert.True(t, res.Clipped)
}

func TestClampDeltaStepSnapping(t *testing.T) {
	r := Default()

	// Integer param snaps to the 5 ms grid.
	res, err := r.ClampDelta("min_interval_ms", 60, 63)
	require.NoError(t, err)
	assert.Equal(t, 65.0, res.Value)
	assert.False(t, res.Clipped)

	// Float param snaps to the 0.005 grid.
	res, err = r.ClampDelta("impact_cap_ratio", 0.10, 0.0925)
	require.NoError(t, err)
	assert.InDelta(t, 0.090, res.Value, 1e-9)
}

func TestClampDeltaAlreadyAtBound(t *testing.T) {
	r := Default()

	// Pinned at the floor: the effective delta is zero but the intent is
	// still reported as clipped so the tuner can log it.
	res, err := r.ClampDelta("impact_cap_ratio", 0.06, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, res.Value, 1e-9)
	assert.True(t, res.Clipped)
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 3.0, roundHalfAway(2.5))
	assert.Equal(t, -3.0, roundHalfAway(-2.5))
	assert.Equal(t, 2.0, roundHalfAway(2.4))
}

func TestReadWriteNested(t *testing.T) {
	r := Default()
	doc := map[string]any{}

	require.NoError(t, r.WriteNested(doc, "min_interval_ms", 75))
	require.NoError(t, r.WriteNested(doc, "impact_cap_ratio", 0.09))

	v, ok, err := r.ReadNested(doc, "min_interval_ms")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 75, v)

	quote, isMap := doc["quote"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, 75, quote["min_interval_ms"])

	// Missing leaf reports absent, not an error.
	_, ok, err = r.ReadNested(doc, "tail_age_ms")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteNestedRejectsScalarIntermediate(t *testing.T) {
	r := Default()
	doc := map[string]any{"quote": "oops"}
	err := r.WriteNested(doc, "min_interval_ms", 75)
	require.Error(t, err)
}
