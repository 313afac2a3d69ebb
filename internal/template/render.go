// Package template renders request templates by substituting {{key}}
// placeholders from the run variable context.
package template

import (
	"regexp"

	"github.com/gatecrash/gatecrash/internal/variables"
)

// Placeholders take the form {{key}} or {{key|default}}. A key is resolved
// against the variable store first, then the supplied record. When neither
// holds the key, the default (if declared) is used; otherwise the placeholder
// is left untouched so the failure is visible in the rendered request.
var placeholderRegex = regexp.MustCompile(`\{\{([^}|]+)(?:\|([^}]*))?\}\}`)

// Render substitutes placeholders in text using the store and record.
// Either may be nil.
func Render(text string, record map[string]string, store variables.Store) string {
	resolved := record
	if store != nil {
		resolved = store.Merge(record)
	}

	return placeholderRegex.ReplaceAllStringFunc(text, func(match string) string {
		parts := placeholderRegex.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if val, ok := resolved[parts[1]]; ok {
			return val
		}

		// Default value, present only when the | separator was written.
		if hasDefault(match) {
			return parts[2]
		}

		return match
	})
}

// RenderMap substitutes placeholders in every value of the given map.
func RenderMap(values map[string]string, record map[string]string, store variables.Store) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = Render(value, record, store)
	}
	return out
}

func hasDefault(match string) bool {
	for i := 0; i < len(match); i++ {
		if match[i] == '|' {
			return true
		}
	}
	return false
}
