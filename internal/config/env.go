package config

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/params"
)

// EnvPrefix projects per-parameter environment overrides: SOAK_MIN_INTERVAL_MS=80
// lands on quote.min_interval_ms.
const EnvPrefix = "SOAK_"

// Reserved env keys under the prefix that are orchestrator controls, not
// parameter overrides.
var reservedEnvKeys = map[string]bool{
	"SLEEP_SECONDS": true,
}

// EnvLayer builds the env resolver layer from a key=value environment
// listing (os.Environ() shape). Keys matching a registered parameter name
// (lowercased) are coerced against the registry and placed on the
// parameter's nested path. Other SOAK_ keys are projected generically by
// splitting on underscores, with JSON-parsed values; unparseable values are
// skipped with a warning.
func EnvLayer(registry *params.Registry, environ []string) Layer {
	doc := make(map[string]any)
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, raw := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		suffix := strings.TrimPrefix(key, EnvPrefix)
		if reservedEnvKeys[suffix] {
			continue
		}

		name := strings.ToLower(suffix)
		if spec, err := registry.Get(name); err == nil {
			value, ok := coerce(spec, raw)
			if !ok {
				log.Warn().Str("env", key).Str("value", raw).
					Msg("ignoring env override: value does not parse for parameter type")
				continue
			}
			if err := registry.WriteNested(doc, name, value); err != nil {
				log.Warn().Str("env", key).Err(err).Msg("ignoring env override")
			}
			continue
		}

		// Generic projection: SOAK_FOO_BAR=42 -> {foo: {bar: 42}}.
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			log.Warn().Str("env", key).Str("value", raw).
				Msg("ignoring env override: invalid JSON value")
			continue
		}
		writeGeneric(doc, strings.Split(name, "_"), value)
	}
	return Layer{Source: "env", Doc: doc}
}

func coerce(spec params.ParamSpec, raw string) (any, bool) {
	var num json.Number
	if err := json.Unmarshal([]byte(raw), &num); err != nil {
		return nil, false
	}
	f, err := num.Float64()
	if err != nil {
		return nil, false
	}
	if spec.Type == params.IntParam {
		return int64(f), true
	}
	return f, true
}

func writeGeneric(doc map[string]any, segments []string, value any) {
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}
