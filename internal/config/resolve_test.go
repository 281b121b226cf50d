package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/soakring/internal/params"
)

func TestResolvePrecedenceChain(t *testing.T) {
	reg := params.Default()

	defaults := Defaults(reg)

	profile, err := SteadySafe().Layer(reg)
	require.NoError(t, err)

	env := EnvLayer(reg, []string{"SOAK_MIN_INTERVAL_MS=999"})

	cli, err := CLILayer(reg, map[string]float64{"min_interval_ms": 111})
	require.NoError(t, err)

	// Full chain: cli wins.
	res := Resolve(defaults, profile, env, cli, Layer{})
	v, src, ok := res.Lookup("quote.min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, int64(111), v)
	assert.Equal(t, "cli", src)

	// Remove cli: env wins.
	res = Resolve(defaults, profile, env, Layer{}, Layer{})
	v, src, ok = res.Lookup("quote.min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, int64(999), v)
	assert.Equal(t, "env", src)

	// Remove env: profile wins.
	res = Resolve(defaults, profile, Layer{}, Layer{}, Layer{})
	v, src, ok = res.Lookup("quote.min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, int64(75), v)
	assert.Equal(t, "profile:steady_safe", src)

	// Defaults only.
	res = Resolve(defaults, Layer{}, Layer{}, Layer{}, Layer{})
	v, src, ok = res.Lookup("quote.min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, int64(70), v)
	assert.Equal(t, "default", src)
}

func TestResolveDeepMergeKeepsSiblings(t *testing.T) {
	low := Layer{Source: "default", Doc: map[string]any{
		"quote": map[string]any{"min_interval_ms": int64(70), "tail_age_ms": int64(300)},
	}}
	high := Layer{Source: "cli", Doc: map[string]any{
		"quote": map[string]any{"min_interval_ms": int64(50)},
	}}

	res := Resolve(low, high, Layer{}, Layer{}, Layer{})

	v, src, ok := res.Lookup("quote.min_interval_ms")
	require.True(t, ok)
	assert.Equal(t, int64(50), v)
	assert.Equal(t, "cli", src)

	v, src, ok = res.Lookup("quote.tail_age_ms")
	require.True(t, ok)
	assert.Equal(t, int64(300), v)
	assert.Equal(t, "default", src)
}

func TestResolveDeterministicBytes(t *testing.T) {
	reg := params.Default()
	profile, err := SteadySafe().Layer(reg)
	require.NoError(t, err)

	a := Resolve(Defaults(reg), profile, Layer{}, Layer{}, Layer{})
	b := Resolve(Defaults(reg), profile, Layer{}, Layer{}, Layer{})

	ba, err := a.MarshalCanonical()
	require.NoError(t, err)
	bb, err := b.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
	assert.Equal(t, byte('\n'), ba[len(ba)-1])
}

func TestEnvLayerGenericProjection(t *testing.T) {
	reg := params.Default()
	layer := EnvLayer(reg, []string{
		"SOAK_FOO_BAR=42",
		"SOAK_BROKEN={not json",
		"UNRELATED=1",
		"SOAK_SLEEP_SECONDS=60", // reserved control, not a config key
	})

	foo, ok := layer.Doc["foo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), foo["bar"])

	_, hasBroken := layer.Doc["broken"]
	assert.False(t, hasBroken, "invalid JSON env values are ignored")
	_, hasSleep := layer.Doc["sleep"]
	assert.False(t, hasSleep)
}

func TestEnvLayerCoercionAgainstRegistry(t *testing.T) {
	reg := params.Default()
	layer := EnvLayer(reg, []string{
		"SOAK_IMPACT_CAP_RATIO=0.085",
		"SOAK_MIN_INTERVAL_MS=not-a-number",
	})

	risk, ok := layer.Doc["risk"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.085, risk["impact_cap_ratio"])

	_, hasQuote := layer.Doc["quote"]
	assert.False(t, hasQuote, "unparseable typed value is dropped")
}

func TestLoadProfileFromDisk(t *testing.T) {
	dir := t.TempDir()
	body := "name: burst\nlabel: burst preset\nparams:\n  min_interval_ms: 55\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "burst.yaml"), []byte(body), 0644))

	p, err := LoadProfile(dir, "burst")
	require.NoError(t, err)
	assert.Equal(t, "burst preset", p.Label)
	assert.Equal(t, 55.0, p.Params["min_interval_ms"])

	// Built-in fallback.
	p, err = LoadProfile(dir, "steady_safe")
	require.NoError(t, err)
	assert.Equal(t, 75.0, p.Params["min_interval_ms"])

	_, err = LoadProfile(dir, "missing")
	require.Error(t, err)
}
