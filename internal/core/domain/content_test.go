package domain

import (
	"strings"
	"testing"
)

func TestContentTextFieldOrder(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		want    string
	}{
		{"text", Content{"text": "Invoice #INV-001", "body": "other"}, "Invoice #INV-001"},
		{"body", Content{"body": "mail body"}, "mail body"},
		{"nested document", Content{"document": map[string]any{"content": "nested"}}, "nested"},
		{"long string", Content{"a": "short", "b": "long enough string"}, "long enough string"},
	}
	for _, tc := range cases {
		if got := tc.content.Text(); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestContentTextFallsBackToJSON(t *testing.T) {
	got := Content{"amount": 500}.Text()
	if !strings.Contains(got, `"amount": 500`) {
		t.Fatalf("expected json dump, got %q", got)
	}
}

func TestContentMetadataNeverNil(t *testing.T) {
	if (Content{}).Metadata() == nil {
		t.Fatalf("expected empty metadata map")
	}
}
