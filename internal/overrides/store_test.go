package overrides

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/soakring/internal/params"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s, err := Load(params.Default(), filepath.Join(t.TempDir(), "runtime_overrides.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Values())
	assert.Empty(t, s.Sources())
}

func TestApplyUpdatesValueAndSource(t *testing.T) {
	s := NewStore(params.Default())
	require.NoError(t, s.Set("min_interval_ms", 70, SourceProfile("steady_safe")))

	changes, err := s.Apply(map[string]float64{"min_interval_ms": 75}, nil, SourceRuntime)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 75.0, changes[0].Value)
	assert.False(t, changes[0].Clipped)

	v, src, ok := s.Get("min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, 75.0, v)
	assert.Equal(t, SourceRuntime, src)
}

func TestApplyClampsThroughRegistry(t *testing.T) {
	s := NewStore(params.Default())
	require.NoError(t, s.Set("impact_cap_ratio", 0.065, SourceDefault))

	changes, err := s.Apply(map[string]float64{"impact_cap_ratio": 0.02}, nil, SourceRuntime)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Clipped)
	assert.InDelta(t, 0.06, changes[0].Value, 1e-9)
}

func TestApplyUnknownParamCommitsNothing(t *testing.T) {
	s := NewStore(params.Default())
	require.NoError(t, s.Set("min_interval_ms", 70, SourceDefault))

	_, err := s.Apply(map[string]float64{
		"min_interval_ms": 75,
		"bogus_param":     1,
	}, nil, SourceRuntime)
	require.Error(t, err)
	assert.ErrorIs(t, err, params.ErrUnknownParam)

	v, _, ok := s.Get("min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, 70.0, v, "failed apply must not partially commit")
}

func TestApplyOnEmptyStoreClampsFromBaseline(t *testing.T) {
	s := NewStore(params.Default())
	baseline := map[string]float64{
		"impact_cap_ratio": 0.10,
		"min_interval_ms":  70,
	}

	changes, err := s.Apply(map[string]float64{
		"impact_cap_ratio": 0.09,
		"min_interval_ms":  75,
	}, baseline, SourceRuntime)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byParam := make(map[string]AppliedChange, len(changes))
	for _, ch := range changes {
		byParam[ch.Param] = ch
	}

	impact := byParam["impact_cap_ratio"]
	assert.Equal(t, 0.10, impact.Previous)
	assert.InDelta(t, 0.09, impact.Value, 1e-9)
	assert.False(t, impact.Clipped, "a lowering move must land lower, not re-clamp upward")

	interval := byParam["min_interval_ms"]
	assert.Equal(t, 70.0, interval.Previous)
	assert.Equal(t, 75.0, interval.Value)
	assert.False(t, interval.Clipped)
}

func TestApplyWithoutEffectiveValueCommitsNothing(t *testing.T) {
	s := NewStore(params.Default())

	_, err := s.Apply(map[string]float64{"tail_age_ms": 330}, nil, SourceRuntime)
	require.Error(t, err)

	_, _, ok := s.Get("tail_age_ms")
	assert.False(t, ok)
}

func TestPersistAtomicRoundTrip(t *testing.T) {
	reg := params.Default()
	path := filepath.Join(t.TempDir(), "runtime_overrides.json")

	s := NewStore(reg)
	require.NoError(t, s.Set("min_interval_ms", 75, SourceRuntime))
	require.NoError(t, s.Set("impact_cap_ratio", 0.09, SourceRuntime))
	require.NoError(t, s.PersistAtomic(path))

	// No temp file remains.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Load(reg, path)
	require.NoError(t, err)
	assert.Equal(t, s.Values(), loaded.Values())
	assert.Equal(t, s.Sources(), loaded.Sources())

	// Byte-identical on re-persist.
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, loaded.PersistAtomic(path))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPersistedBytesAreCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_overrides.json")
	s := NewStore(params.Default())
	require.NoError(t, s.Set("tail_age_ms", 330, SourceRuntime))
	require.NoError(t, s.PersistAtomic(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1], "trailing newline")
	assert.NotContains(t, string(data), "  ", "compact separators")
	assert.Contains(t, string(data), `"tail_age_ms":330`, "int params render without decimal")
}

func TestCrashLeftTempFileIsIgnoredByLoad(t *testing.T) {
	reg := params.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime_overrides.json")

	s := NewStore(reg)
	require.NoError(t, s.Set("min_interval_ms", 70, SourceRuntime))
	require.NoError(t, s.PersistAtomic(path))

	// Simulate a writer killed after the temp write but before rename.
	require.NoError(t, os.WriteFile(path+".tmp", []byte("{garbage"), 0644))

	loaded, err := Load(reg, path)
	require.NoError(t, err)
	v, _, ok := loaded.Get("min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, 70.0, v)
}

func TestSignatureStableUnderOrder(t *testing.T) {
	a := Signature(map[string]float64{"b": 2, "a": 1})
	b := Signature(map[string]float64{"a": 1, "b": 2})
	assert.Equal(t, a, b)
	assert.Equal(t, "a=1|b=2", a)
}
