package masking

import "strings"

const maskToken = "****"

// sensitiveKeys are metadata keys whose values never reach audit storage in
// clear text.
var sensitiveKeys = map[string]struct{}{
	"email":             {},
	"gateway_reference": {},
	"card_last4":        {},
	"bank_account":      {},
}

// MaskSecret redacts a value while keeping a short suffix for correlation.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskMetadata returns a copy of input with sensitive string values masked.
// Nested maps are walked.
func MaskMetadata(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = MaskMetadata(nested)
			continue
		}
		if _, sensitive := sensitiveKeys[strings.ToLower(key)]; sensitive {
			if s, ok := value.(string); ok {
				out[key] = MaskSecret(s)
				continue
			}
		}
		out[key] = value
	}
	return out
}
