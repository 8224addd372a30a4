package store

import (
	"encoding/json"
	"strconv"
	"strings"

	"lensboard/pkg/artifact"
)

// Filter narrows a collection for display. Zero fields match everything.
type Filter struct {
	// Text is matched case-insensitively against the title, status, tags and
	// every scalar value in the payload.
	Text   string
	Status string
	// Tags must all be present.
	Tags []string
}

// Query returns the items matching f, preserving order.
func Query[T any](items []artifact.Artifact[T], f Filter) []artifact.Artifact[T] {
	out := make([]artifact.Artifact[T], 0, len(items))
	for _, it := range items {
		if Match(it, f) {
			out = append(out, it)
		}
	}
	return out
}

// Match reports whether a satisfies f.
func Match[T any](a artifact.Artifact[T], f Filter) bool {
	if f.Status != "" && !strings.EqualFold(a.Meta.Status, f.Status) {
		return false
	}
	for _, tag := range f.Tags {
		if !a.Meta.HasTag(tag) {
			return false
		}
	}

	needle := strings.ToLower(strings.TrimSpace(f.Text))
	if needle == "" {
		return true
	}
	var b strings.Builder
	b.WriteString(a.Title)
	b.WriteByte(' ')
	b.WriteString(a.Meta.Status)
	for _, tag := range a.Meta.Tags {
		b.WriteByte(' ')
		b.WriteString(tag)
	}
	if encoded, err := json.Marshal(a.Data); err == nil {
		var v any
		if json.Unmarshal(encoded, &v) == nil {
			collectText(v, &b)
		}
	}
	return strings.Contains(strings.ToLower(b.String()), needle)
}

func collectText(v any, b *strings.Builder) {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			collectText(child, b)
		}
	case []any:
		for _, child := range t {
			collectText(child, b)
		}
	case string:
		b.WriteByte(' ')
		b.WriteString(t)
	case float64:
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		b.WriteByte(' ')
		b.WriteString(strconv.FormatBool(t))
	}
}
