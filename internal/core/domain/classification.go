package domain

import "math"

const UnknownLabel = "unknown"

type Classification struct {
	DocType      string            `json:"doc_type"`
	EventType    string            `json:"event_type"`
	Confidence   float64           `json:"confidence"`
	Entities     []ExtractedEntity `json:"entities"`
	ModelVersion string            `json:"model_version,omitempty"`
}

// ExtractedEntity is an entity as returned by the classifier, before it is
// attached to a document.
type ExtractedEntity struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	StartPos   *int    `json:"start_pos,omitempty"`
	EndPos     *int    `json:"end_pos,omitempty"`
}

// Normalize coerces a well-formed but incomplete classifier response into
// a storable one. Out-of-range confidences become 0, missing labels become
// "unknown", inverted or negative spans are dropped.
func (c Classification) Normalize() Classification {
	out := Classification{
		DocType:      labelOrUnknown(c.DocType),
		EventType:    labelOrUnknown(c.EventType),
		Confidence:   clampConfidence(c.Confidence),
		ModelVersion: c.ModelVersion,
		Entities:     make([]ExtractedEntity, 0, len(c.Entities)),
	}
	for _, e := range c.Entities {
		entity := ExtractedEntity{
			Type:       labelOrUnknown(e.Type),
			Text:       e.Text,
			Confidence: clampConfidence(e.Confidence),
			StartPos:   e.StartPos,
			EndPos:     e.EndPos,
		}
		if !validSpan(entity.StartPos, entity.EndPos) {
			entity.StartPos, entity.EndPos = nil, nil
		}
		out.Entities = append(out.Entities, entity)
	}
	return out
}

// ToEntities binds the extracted entities to a document. newID supplies
// entity identifiers.
func (c Classification) ToEntities(documentID string, newID func() string) []Entity {
	entities := make([]Entity, 0, len(c.Entities))
	for _, e := range c.Entities {
		entities = append(entities, Entity{
			ID:         newID(),
			DocumentID: documentID,
			EntityType: e.Type,
			Text:       e.Text,
			Confidence: e.Confidence,
			StartPos:   e.StartPos,
			EndPos:     e.EndPos,
		})
	}
	return entities
}

func labelOrUnknown(label string) string {
	if label == "" {
		return UnknownLabel
	}
	return label
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0
	}
	return v
}

func validSpan(start, end *int) bool {
	if start != nil && *start < 0 {
		return false
	}
	if end != nil && *end < 0 {
		return false
	}
	if start != nil && end != nil && *start > *end {
		return false
	}
	return true
}
