// Package skills parses, formats and matches the free-form skill lists users
// keep on their profiles.
package skills

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NotSpecified is shown when a list has no usable entries.
const NotSpecified = "Not specified"

// Parse accepts a comma separated string or a list and returns the trimmed,
// non-empty entries in their original order.
func Parse(raw any) []string {
	switch value := raw.(type) {
	case string:
		return clean(strings.Split(value, ","))
	case []string:
		return clean(value)
	case []any:
		items := make([]string, 0, len(value))
		for _, item := range value {
			if text, ok := item.(string); ok {
				items = append(items, text)
			}
		}
		return clean(items)
	default:
		return []string{}
	}
}

func clean(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func Format(list []string) string {
	cleaned := clean(list)
	if len(cleaned) == 0 {
		return NotSpecified
	}
	return strings.Join(cleaned, ", ")
}

func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Matches reports whether any entry contains query, ignoring case.
// An empty query matches nothing.
func Matches(list []string, query string) bool {
	needle := Normalize(query)
	if needle == "" {
		return false
	}
	for _, item := range list {
		if strings.Contains(strings.ToLower(item), needle) {
			return true
		}
	}
	return false
}

// List decodes from either a JSON string ("go, sql") or a JSON array.
type List []string

func (l *List) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.(type) {
	case nil, string, []any:
		*l = Parse(raw)
		return nil
	default:
		return fmt.Errorf("skills must be a string or a list of strings")
	}
}
