// Package entity defines the generic record that flows through the local
// store, the mutation queue and the conflict resolver.
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Reserved keys carry identity and revision metadata. They never appear in
// Entity.Fields.
const (
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

// IsReserved reports whether key is one of the metadata keys.
func IsReserved(key string) bool {
	return key == KeyID || key == KeyCreatedAt || key == KeyUpdatedAt
}

// ID identifies an entity within its collection. Remote ids are often
// numeric; temporary ids minted offline are strings. Both are stored as text,
// and an id in canonical integer form goes back on the wire as a number.
type ID string

// MarshalJSON writes canonical integers ("42", "-7") as JSON numbers and
// everything else as a string. "007" and "4.2" stay strings.
func (id ID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Entity is an opaque domain record: identity, revision timestamps and a
// free-form field map.
type Entity struct {
	ID        ID
	CreatedAt time.Time // zero when absent
	UpdatedAt time.Time // zero when absent
	Fields    map[string]any
}

// New returns an entity with an empty field map.
func New(id ID) *Entity {
	return &Entity{ID: id, Fields: make(map[string]any)}
}

// Get returns the named field.
func (e *Entity) Get(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Set assigns a field. Reserved keys are routed to the metadata fields.
func (e *Entity) Set(key string, v any) error {
	switch key {
	case KeyID:
		var id ID
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := id.UnmarshalJSON(raw); err != nil {
			return err
		}
		e.ID = id
	case KeyCreatedAt, KeyUpdatedAt:
		t, err := parseTime(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == KeyCreatedAt {
			e.CreatedAt = t
		} else {
			e.UpdatedAt = t
		}
	default:
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[key] = v
	}
	return nil
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := &Entity{ID: e.ID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = deepCopy(v)
	}
	return c
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = deepCopy(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = deepCopy(vv)
		}
		return s
	default:
		return v
	}
}

// ValuesEqual compares two field values by their canonical JSON encoding.
// encoding/json sorts object keys, so nested maps compare structurally.
func ValuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// MarshalJSON writes the flat wire form: metadata keys plus every field. An
// entity without an id is written without the id key.
func (e Entity) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		if IsReserved(k) {
			continue
		}
		m[k] = v
	}
	if e.ID != "" {
		m[KeyID] = e.ID
	}
	if !e.CreatedAt.IsZero() {
		m[KeyCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.UpdatedAt.IsZero() {
		m[KeyUpdatedAt] = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the flat wire form. Timestamps may be RFC 3339 strings
// or epoch milliseconds.
func (e *Entity) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("entity must be a JSON object")
	}

	*e = Entity{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		if err := e.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			f, ferr := strconv.ParseFloat(t.String(), 64)
			if ferr != nil {
				return time.Time{}, err
			}
			ms = int64(f)
		}
		return time.UnixMilli(ms).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
