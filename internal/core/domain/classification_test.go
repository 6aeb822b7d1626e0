package domain

import (
	"math"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestNormalizeClampsConfidenceAndDefaultsLabels(t *testing.T) {
	cls := Classification{
		Confidence: 1.7,
		Entities: []ExtractedEntity{
			{Type: "AMOUNT", Text: "$500", Confidence: -0.2, StartPos: intPtr(20), EndPos: intPtr(24)},
			{Text: "ACME", Confidence: math.NaN()},
		},
	}

	got := cls.Normalize()
	if got.DocType != UnknownLabel || got.EventType != UnknownLabel {
		t.Fatalf("expected unknown labels, got %q/%q", got.DocType, got.EventType)
	}
	if got.Confidence != 0 {
		t.Fatalf("expected out-of-range confidence coerced to 0, got %v", got.Confidence)
	}
	if len(got.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got.Entities))
	}
	for _, e := range got.Entities {
		if e.Confidence < 0 || e.Confidence > 1 {
			t.Fatalf("entity confidence out of range: %+v", e)
		}
	}
	if got.Entities[1].Type != UnknownLabel {
		t.Fatalf("expected unknown entity type, got %q", got.Entities[1].Type)
	}
	if got.Entities[0].StartPos == nil || *got.Entities[0].StartPos != 20 {
		t.Fatalf("expected span to be kept, got %+v", got.Entities[0])
	}
}

func TestNormalizeKeepsInRangeValues(t *testing.T) {
	got := Classification{DocType: "INVOICE", EventType: "billing", Confidence: 0.9}.Normalize()
	if got.DocType != "INVOICE" || got.EventType != "billing" || got.Confidence != 0.9 {
		t.Fatalf("unexpected normalization: %+v", got)
	}
	if got.Entities == nil {
		t.Fatalf("expected non-nil entity slice")
	}
}

func TestNormalizeDropsInvertedSpan(t *testing.T) {
	got := Classification{Entities: []ExtractedEntity{
		{Type: "DATE", Text: "x", Confidence: 0.5, StartPos: intPtr(9), EndPos: intPtr(3)},
	}}.Normalize()
	if got.Entities[0].StartPos != nil || got.Entities[0].EndPos != nil {
		t.Fatalf("expected inverted span to be dropped, got %+v", got.Entities[0])
	}
}

func TestToEntitiesBindsDocument(t *testing.T) {
	n := 0
	entities := Classification{Entities: []ExtractedEntity{{Type: "AMOUNT", Text: "$5"}}}.
		ToEntities("doc-1", func() string { n++; return "e-1" })
	if len(entities) != 1 || entities[0].DocumentID != "doc-1" || entities[0].ID != "e-1" || entities[0].EntityType != "AMOUNT" {
		t.Fatalf("unexpected entities: %+v", entities)
	}
	if n != 1 {
		t.Fatalf("expected one id allocation, got %d", n)
	}
}
