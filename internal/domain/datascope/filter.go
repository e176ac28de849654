package datascope

import (
	"slices"
	"unicode/utf8"
)

// Mask is the fixed-width redaction placed in masked values.
const Mask = "****"

// shortMaskLen is the longest string that is fully replaced by Mask.
const shortMaskLen = 6

// ApplyFieldFilter returns the projection of data allowed by res: only
// AllowedFields are kept (when listed) and MaskedFields are redacted.
// When res lists neither, a shallow copy of data is returned. data is
// never modified.
func ApplyFieldFilter(data map[string]any, res Result) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if len(res.AllowedFields) > 0 && !slices.Contains(res.AllowedFields, k) {
			continue
		}
		if slices.Contains(res.MaskedFields, k) {
			out[k] = MaskValue(v)
			continue
		}
		out[k] = v
	}
	return out
}

// MaskValue redacts a single value. Strings up to shortMaskLen runes become
// Mask; longer strings keep two runes on each side. Everything else,
// numbers included, becomes Mask.
func MaskValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return Mask
	}
	if utf8.RuneCountInString(s) <= shortMaskLen {
		return Mask
	}
	r := []rune(s)
	return string(r[:2]) + Mask + string(r[len(r)-2:])
}
