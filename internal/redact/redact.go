// Package redact strips secret values out of log lines before they reach
// any sink. It is the supervisor's one cryptographic-adjacent concern (per
// spec.md §1 Non-goals: "cryptographic hardening beyond secret redaction in
// logs") and is applied the same way arkeep/server/internal/db/encrypt.go
// makes a field type transparently safe at the boundary where it matters —
// here the boundary is "every line the shared zap logger writes", not a
// database column.
package redact

import "regexp"

// fieldNames is the case-insensitive set of field names whose values are
// redacted, per spec.md §6/§8.
var fieldNames = []string{"mcp_secret", "token", "password", "secret", "key"}

// pattern matches NAME = "VALUE" or NAME: "VALUE" for any of fieldNames,
// case-insensitive, capturing the separator so it can be preserved.
var pattern = buildPattern()

func buildPattern() *regexp.Regexp {
	// (?i) makes the whole pattern case-insensitive. The separator group
	// accepts "=" or ":" with optional surrounding whitespace, matching the
	// "NAME = \"VALUE\"" / "NAME: \"VALUE\"" forms named in spec.md §8.
	src := `(?i)\b(` + join(fieldNames, "|") + `)(\s*[:=]\s*)"([^"]*)"`
	return regexp.MustCompile(src)
}

func join(parts []string, sep string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

// Redactor is a compiled redaction pass over a single string. The zero
// value uses the package-level field set and is ready to use.
type Redactor struct{}

// New returns a Redactor using the default field set.
func New() *Redactor {
	return &Redactor{}
}

// Line redacts every occurrence of a recognized secret field in s. If no
// field name appears, s is returned unchanged (fast path, no allocation
// beyond the match scan) per spec.md §8.
func (*Redactor) Line(s string) string {
	if !pattern.MatchString(s) {
		return s
	}
	return pattern.ReplaceAllString(s, `$1$2"[REDACTED]"`)
}
