package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// parseSubject reads "type:id". A bare id is a user.
func parseSubject(s string) (policy.Subject, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return policy.Subject{}, fmt.Errorf("subject is required")
	}
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return policy.User(s), nil
	}
	subject := policy.Subject{Type: policy.SubjectType(typ), ID: id}
	if !subject.Type.Valid() {
		return policy.Subject{}, fmt.Errorf("unknown subject type %q in %q (want user, group or role)", typ, s)
	}
	if id == "" {
		return policy.Subject{}, fmt.Errorf("subject %q has no id", s)
	}
	return subject, nil
}

// parseParams reads key=value pairs. Values that parse as JSON keep their
// type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		out[k] = parsed
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
