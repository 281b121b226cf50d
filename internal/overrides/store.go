package overrides

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/params"
)

// ErrPersist wraps any filesystem failure while persisting the overrides
// file. Callers treat it as a hard stop for the iteration.
var ErrPersist = errors.New("overrides persist failed")

// Source labels where a value came from, in precedence order.
const (
	SourceDefault = "default"
	SourceEnv     = "env"
	SourceCLI     = "cli"
	SourceRuntime = "runtime"
)

// SourceProfile labels a value taken from a named profile preset.
func SourceProfile(name string) string { return "profile:" + name }

// Store owns the active runtime overrides and their per-key source map. The
// orchestrator is the single writer; the strategy reads the persisted file
// between iterations.
type Store struct {
	registry  *params.Registry
	overrides map[string]float64
	sources   map[string]string
}

// document is the on-disk shape of runtime_overrides.json.
type document struct {
	Overrides map[string]json.Number `json:"overrides"`
	Sources   map[string]string      `json:"sources"`
}

// NewStore creates an empty store bound to a registry.
func NewStore(registry *params.Registry) *Store {
	return &Store{
		registry:  registry,
		overrides: make(map[string]float64),
		sources:   make(map[string]string),
	}
}

// Load reads the overrides file at path. A missing file yields an empty
// store, not an error.
func Load(registry *params.Registry, path string) (*Store, error) {
	s := NewStore(registry)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read overrides %s: %w", path, err)
	}
	var doc document
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode overrides %s: %w", path, err)
	}
	for name, num := range doc.Overrides {
		v, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("overrides %s: value for %q: %w", path, name, err)
		}
		s.overrides[name] = v
	}
	for name, src := range doc.Sources {
		s.sources[name] = src
	}
	return s, nil
}

// Get returns a value and its source. ok is false when the key is unset.
func (s *Store) Get(name string) (value float64, source string, ok bool) {
	v, ok := s.overrides[name]
	if !ok {
		return 0, "", false
	}
	return v, s.sources[name], true
}

// Values returns a copy of the current override map.
func (s *Store) Values() map[string]float64 {
	out := make(map[string]float64, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

// Sources returns a copy of the current source map.
func (s *Store) Sources() map[string]string {
	out := make(map[string]string, len(s.sources))
	for k, v := range s.sources {
		out[k] = v
	}
	return out
}

// Set writes one value with an explicit source, bypassing clamping. Used for
// profile baselines and test setup; tuner deltas go through Apply.
func (s *Store) Set(name string, value float64, source string) error {
	if _, err := s.registry.Get(name); err != nil {
		return err
	}
	s.overrides[name] = value
	s.sources[name] = source
	return nil
}

// AppliedChange records the outcome of one parameter in an Apply call.
type AppliedChange struct {
	Param    string  `json:"param"`
	Previous float64 `json:"previous"`
	Target   float64 `json:"target"`
	Value    float64 `json:"value"`
	Clipped  bool    `json:"clipped"`
	Reason   string  `json:"reason,omitempty"`
}

// Apply runs each target value through the registry clamp and commits the
// results, marking every touched key with the given source. baseline carries
// the effective current values from the resolved config, so a key the store
// has not set yet clamps from the value the caller actually saw. Unknown
// parameters or keys with no effective value abort the whole apply: nothing
// is committed.
func (s *Store) Apply(delta, baseline map[string]float64, source string) ([]AppliedChange, error) {
	names := make([]string, 0, len(delta))
	for name := range delta {
		names = append(names, name)
	}
	sort.Strings(names)

	changes := make([]AppliedChange, 0, len(names))
	for _, name := range names {
		if _, err := s.registry.Get(name); err != nil {
			return nil, err
		}
		current, _, ok := s.Get(name)
		if !ok {
			if current, ok = baseline[name]; !ok {
				return nil, fmt.Errorf("apply %q: no effective current value", name)
			}
		}
		res, err := s.registry.ClampDelta(name, current, delta[name])
		if err != nil {
			return nil, err
		}
		changes = append(changes, AppliedChange{
			Param:    name,
			Previous: current,
			Target:   delta[name],
			Value:    res.Value,
			Clipped:  res.Clipped,
			Reason:   res.Reason,
		})
	}

	for _, ch := range changes {
		s.overrides[ch.Param] = ch.Value
		s.sources[ch.Param] = source
	}
	return changes, nil
}

// PersistAtomic writes the store to path via temp file + rename with parent
// directory fsync. After a successful return, Load reads byte-identical
// content.
func (s *Store) PersistAtomic(path string) error {
	data, err := s.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := atomicio.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// MarshalCanonical renders the store in the byte-stable artifact form:
// sorted keys, compact separators, trailing newline. Integer parameters are
// rendered without a decimal point.
func (s *Store) MarshalCanonical() ([]byte, error) {
	doc := document{
		Overrides: make(map[string]json.Number, len(s.overrides)),
		Sources:   make(map[string]string, len(s.sources)),
	}
	for name, v := range s.overrides {
		spec, err := s.registry.Get(name)
		if err != nil {
			return nil, err
		}
		if spec.Type == params.IntParam {
			doc.Overrides[name] = json.Number(fmt.Sprintf("%d", int64(v)))
		} else {
			doc.Overrides[name] = json.Number(trimFloat(v))
		}
	}
	for name, src := range s.sources {
		doc.Sources[name] = src
	}
	return atomicio.MarshalCanonical(doc)
}

// Signature is a stable fingerprint of the current override values: sorted
// key=value tuples joined with "|". Two stores with equal values share a
// signature regardless of apply order.
func (s *Store) Signature() string {
	return Signature(s.overrides)
}

// Signature fingerprints any parameter/value map the same way the store does.
func Signature(values map[string]float64) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, trimFloat(values[name])))
	}
	return strings.Join(parts, "|")
}

func trimFloat(v float64) string {
	out := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
	if out == "" || out == "-" {
		return "0"
	}
	return out
}
