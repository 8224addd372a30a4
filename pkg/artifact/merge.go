package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// MergeFields overlays patch onto dst at the top level and returns a new map.
// Neither argument is modified.
func MergeFields(dst, patch map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(patch))
	maps.Copy(out, dst)
	maps.Copy(out, patch)
	return out
}

// MergeData shallow-merges patch onto the JSON object form of current and
// decodes the result back into a fresh T.
func MergeData[T any](current T, patch map[string]any) (T, error) {
	var zero T
	if len(patch) == 0 {
		return current, nil
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return zero, fmt.Errorf("encode data: %w", err)
	}

	fields := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(encoded); !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return zero, fmt.Errorf("%w: data is not a JSON object: %v", ErrInvalid, err)
		}
	}

	for k, v := range patch {
		b, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("encode field %q: %w", k, err)
		}
		fields[k] = b
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("encode merged data: %w", err)
	}

	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return zero, fmt.Errorf("%w: patch does not fit payload: %v", ErrInvalid, err)
	}
	return out, nil
}

// ApplyPatch returns a copy of a with p applied. Version and timestamps are
// left alone; they belong to the authority.
func ApplyPatch[T any](a Artifact[T], p Patch) (Artifact[T], error) {
	out := a
	out.Meta = a.Meta.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Meta != nil {
		out.Meta = p.Meta.Clone()
	}
	if len(p.Data) > 0 {
		data, err := MergeData(a.Data, p.Data)
		if err != nil {
			return Artifact[T]{}, err
		}
		out.Data = data
	}
	return out, nil
}

// ObjectData validates that raw is a JSON object (or empty) and decodes it.
func ObjectData(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("%w: data must be a JSON object", ErrInvalid)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
