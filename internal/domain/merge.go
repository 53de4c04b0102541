package domain

import (
	"encoding/json"
	"fmt"
)

// MergeJSON merges content into target and returns the merged document.
//
// Objects are merged key by key, recursing when both sides hold containers of
// the same kind. Arrays are concatenated. Scalars in content replace those in
// target, except null which never overwrites an existing value. Merging an
// object into an array (or the reverse) leaves target unchanged. A null
// target becomes content; a scalar target is replaced by non-null content.
func MergeJSON(target, content JSON) (JSON, error) {
	if content.IsNull() {
		return target, nil
	}

	var src any
	if err := unmarshalLenient(content, &src); err != nil {
		return nil, fmt.Errorf("failed to decode merge content: %w", err)
	}
	if target.IsNull() {
		return content.Compact(), nil
	}

	var dst any
	if err := unmarshalLenient(target, &dst); err != nil {
		return nil, fmt.Errorf("failed to decode merge target: %w", err)
	}

	merged := mergeValue(dst, src)
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged document: %w", err)
	}
	return JSON(data), nil
}

func mergeValue(dst, src any) any {
	switch d := dst.(type) {
	case map[string]any:
		s, ok := src.(map[string]any)
		if !ok {
			return d
		}
		for key, value := range s {
			existing, found := d[key]
			if !found {
				d[key] = value
				continue
			}
			if value == nil {
				continue
			}
			if sameContainer(existing, value) {
				d[key] = mergeValue(existing, value)
				continue
			}
			d[key] = value
		}
		return d
	case []any:
		s, ok := src.([]any)
		if !ok {
			return d
		}
		return append(d, s...)
	default:
		if src == nil {
			return dst
		}
		return src
	}
}

func sameContainer(a, b any) bool {
	switch a.(type) {
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	}
	return false
}
