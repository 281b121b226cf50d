package config

import (
	"sort"

	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/overrides"
)

// Layer is one precedence level feeding the resolver.
type Layer struct {
	Source string         // source label recorded for keys this layer wins
	Doc    map[string]any // nested document; nil is an empty layer
}

// Resolved is the output of Resolve: a deep-merged nested document plus a
// source map recording, per dotted leaf path, which layer won.
type Resolved struct {
	Doc     map[string]any    `json:"doc"`
	Sources map[string]string `json:"sources"`
}

// Resolve deep-merges the layers lowest-precedence first: defaults, profile,
// env, cli, runtime overrides. Nested maps merge; a scalar at higher
// precedence replaces anything below it. Pure function: inputs are not
// mutated and equal inputs serialize to identical bytes.
func Resolve(defaults, profile, env, cli, runtime Layer) Resolved {
	res := Resolved{
		Doc:     make(map[string]any),
		Sources: make(map[string]string),
	}
	for _, layer := range []Layer{defaults, profile, env, cli, runtime} {
		if layer.Doc == nil {
			continue
		}
		mergeInto(res.Doc, layer.Doc, layer.Source, "", res.Sources)
	}
	return res
}

// MarshalCanonical serializes the resolved document byte-stably.
func (r Resolved) MarshalCanonical() ([]byte, error) {
	return atomicio.MarshalCanonical(r.Doc)
}

// LeafPaths returns all dotted leaf paths in sorted order.
func (r Resolved) LeafPaths() []string {
	paths := make([]string, 0, len(r.Sources))
	for p := range r.Sources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Lookup reads a dotted path from the resolved document, reporting both the
// value and its winning source.
func (r Resolved) Lookup(path string) (value any, source string, ok bool) {
	source, ok = r.Sources[path]
	if !ok {
		return nil, "", false
	}
	cur := any(r.Doc)
	for _, seg := range splitPath(path) {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, "", false
		}
		cur, isMap = m[seg]
		if !isMap {
			return nil, "", false
		}
	}
	return cur, source, true
}

// RuntimeLayer projects an overrides store into a nested resolver layer
// using the registry's nested paths.
func RuntimeLayer(store *overrides.Store, toNested func(doc map[string]any, name string, value any) error) (Layer, error) {
	doc := make(map[string]any)
	for name, value := range store.Values() {
		if err := toNested(doc, name, value); err != nil {
			return Layer{}, err
		}
	}
	return Layer{Source: overrides.SourceRuntime, Doc: doc}, nil
}

func mergeInto(dst, src map[string]any, source, prefix string, sources map[string]string) {
	for key, val := range src {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if srcMap, ok := val.(map[string]any); ok {
			child, isMap := dst[key].(map[string]any)
			if !isMap {
				// Scalar below a map at higher precedence: the map wins and
				// any source entries under the old scalar are replaced.
				child = make(map[string]any)
				dst[key] = child
				delete(sources, path)
			}
			mergeInto(child, srcMap, source, path, sources)
			continue
		}
		// Scalar replaces whatever is below, including a whole subtree.
		if _, wasMap := dst[key].(map[string]any); wasMap {
			dropSubtreeSources(sources, path)
		}
		dst[key] = val
		sources[path] = source
	}
}

func dropSubtreeSources(sources map[string]string, prefix string) {
	for p := range sources {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix && p[len(prefix)] == '.' {
			delete(sources, p)
		}
	}
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}
