package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// JSON is an arbitrary JSON document. The zero value is JSON null.
// It is stored as text in the database.
type JSON json.RawMessage

// IsNull reports whether the document is empty or the JSON literal null
func (j JSON) IsNull() bool {
	trimmed := bytes.TrimSpace(j)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// MarshalJSON implements json.Marshaler
func (j JSON) MarshalJSON() ([]byte, error) {
	if j.IsNull() {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements json.Unmarshaler
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return fmt.Errorf("domain.JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// Value implements driver.Valuer
func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into domain.JSON", src)
	}
	return nil
}

// Compact returns the document without insignificant whitespace
func (j JSON) Compact() JSON {
	if j.IsNull() {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, j); err != nil {
		return j
	}
	return JSON(buf.Bytes())
}

// Unmarshal decodes the document into v keeping numbers exact
func (j JSON) Unmarshal(v any) error {
	if j.IsNull() {
		return nil
	}
	return unmarshalLenient(j, v)
}

// Field returns the raw value of a top-level object field, or nil
func (j JSON) Field(name string) JSON {
	if j.IsNull() {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(j, &obj); err != nil {
		return nil
	}
	return JSON(obj[name])
}

// MustJSON marshals v and panics on failure. Intended for static values.
func MustJSON(v any) JSON {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("domain.MustJSON: %v", err))
	}
	return JSON(data)
}

// IDSet is a set of job ids, stored as a JSON array
type IDSet map[uuid.UUID]struct{}

// NewIDSet creates a set from ids
func NewIDSet(ids ...uuid.UUID) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has reports whether id is in the set
func (s IDSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Remove deletes id and reports whether it was present
func (s IDSet) Remove(id uuid.UUID) bool {
	if _, ok := s[id]; !ok {
		return false
	}
	delete(s, id)
	return true
}

// Clone returns an independent copy
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the ids in ascending string order
func (s IDSet) Sorted() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}

// Intersect returns the ids present in both sets, sorted
func (s IDSet) Intersect(other IDSet) []uuid.UUID {
	var ids []uuid.UUID
	for _, id := range s.Sorted() {
		if other.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Overlaps reports whether the sets share at least one id
func (s IDSet) Overlaps(other IDSet) bool {
	for id := range s {
		if other.Has(id) {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the set as a sorted array
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of ids
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []uuid.UUID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// Value implements driver.Valuer
func (s IDSet) Value() (driver.Value, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (s *IDSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = IDSet{}
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into domain.IDSet", src)
	}
}
