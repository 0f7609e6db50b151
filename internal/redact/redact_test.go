package redact

import "testing"

func TestRedactsKnownFieldNames(t *testing.T) {
	r := New()
	cases := []struct {
		name  string
		input string
	}{
		{"token", `msg="connecting" token="abc123"`},
		{"Password upper", `Password: "hunter2"`},
		{"MCP_SECRET case", `MCP_SECRET = "xyz"`},
		{"secret colon", `secret: "shh"`},
		{"key equals", `key="deadbeef"`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := r.Line(c.input)
			if !contains(out, "[REDACTED]") {
				t.Fatalf("expected redaction marker in %q", out)
			}
		})
	}
}

func TestRedactionRemovesOriginalValue(t *testing.T) {
	r := New()
	out := r.Line(`token="super-secret-value"`)
	if contains(out, "super-secret-value") {
		t.Fatalf("original value leaked: %q", out)
	}
}

func TestNoFieldNamePassesThroughUnchanged(t *testing.T) {
	r := New()
	in := `level=info msg="service started" service=mcp`
	out := r.Line(in)
	if out != in {
		t.Fatalf("expected unchanged passthrough, got %q", out)
	}
}

func TestMultipleOccurrencesAllRedacted(t *testing.T) {
	r := New()
	in := `token="one" password="two" key="three"`
	out := r.Line(in)
	for _, v := range []string{"one", "two", "three"} {
		if contains(out, `"`+v+`"`) {
			t.Fatalf("value %q not redacted in %q", v, out)
		}
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
