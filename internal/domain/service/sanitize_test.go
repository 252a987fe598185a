package service

import "testing"

func TestSanitizeToolIdentifier_EscapesXMLTags(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"read_file", "read_file"},
		{"<tool>", "&lt;tool&gt;"},
		{"</tool_call>", "&lt;/tool_call&gt;"},
		{"a&b", "a&amp;b"},
	}
	for _, tc := range cases {
		if got := sanitizeToolIdentifier(tc.in); got != tc.want {
			t.Fatalf("sanitizeToolIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeToolArgs_EscapesWithoutCorrupting(t *testing.T) {
	args := map[string]interface{}{
		"pattern": "a<b",
		"snippet": "</function_call>",
		"count":   3,
	}
	clean := sanitizeToolArgs(args)

	if clean["pattern"] != "a&lt;b" {
		t.Fatalf("expected entity-escaped pattern, got %v", clean["pattern"])
	}
	if clean["snippet"] != "&lt;/function_call&gt;" {
		t.Fatalf("expected escaped closing tag, got %v", clean["snippet"])
	}
	if clean["count"] != 3 {
		t.Fatalf("non-string values must pass through, got %v", clean["count"])
	}
	// The original map is untouched: execution still sees the raw argument.
	if args["pattern"] != "a<b" {
		t.Fatal("sanitization must not mutate the raw arguments")
	}
}

func TestSanitizeToolArgs_NilBecomesEmpty(t *testing.T) {
	clean := sanitizeToolArgs(nil)
	if clean == nil || len(clean) != 0 {
		t.Fatalf("expected empty map for nil args, got %v", clean)
	}
}
