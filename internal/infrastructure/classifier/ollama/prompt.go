package ollama

import (
	"encoding/json"
	"strings"
)

var docTypes = []string{"INVOICE", "CONTRACT", "RECEIPT", "LETTER", "FORM", "CERTIFICATE", "REPORT", "OTHER"}

func buildClassificationPrompt(text string, metadata map[string]any) string {
	const maxSnippet = 4000
	snippet := text
	if runes := []rune(snippet); len(runes) > maxSnippet {
		snippet = string(runes[:maxSnippet])
	}

	var meta string
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			meta = "\nMetadata:\n" + string(raw) + "\n"
		}
	}

	return `You are a document classifier.
Return strict JSON object with keys:
doc_type (one of ` + strings.Join(docTypes, ", ") + `), event_type (UPPER_SNAKE_CASE string),
confidence (number from 0 to 1),
entities (array of objects with type, text, confidence, start_pos, end_pos).
No markdown, no extra keys.
` + meta + `
Document:
` + snippet
}

func normalizeDocType(raw string) string {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	for _, known := range docTypes {
		if value == known {
			return value
		}
	}
	return "OTHER"
}
