package params

import (
	"fmt"
	"strings"
)

// ReadNested resolves a parameter's value inside a JSON-like document by
// descending its dotted nested path. The second return is false when any
// segment is missing.
func (r *Registry) ReadNested(doc map[string]any, name string) (any, bool, error) {
	path, err := r.ToNestedPath(name)
	if err != nil {
		return nil, false, err
	}
	segments := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

// WriteNested sets a parameter's value inside a JSON-like document, creating
// intermediate maps as needed. A non-map intermediate is an error: the caller
// is about to clobber unrelated config.
func (r *Registry) WriteNested(doc map[string]any, name string, value any) error {
	path, err := r.ToNestedPath(name)
	if err != nil {
		return err
	}
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg]
		if !ok {
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("nested path %q: segment %q is not a map", path, strings.Join(segments[:i+1], "."))
		}
		cur = child
	}
	cur[segments[len(segments)-1]] = value
	return nil
}
