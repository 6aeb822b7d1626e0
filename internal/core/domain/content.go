package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Content is the resolved document body handed to the classifier.
type Content map[string]any

// TextContent wraps raw text in the minimal content envelope.
func TextContent(text, contentType string) Content {
	return Content{"text": text, "content_type": contentType}
}

// Text picks the most plausible text field of the content.
func (c Content) Text() string {
	for _, key := range []string{"text", "content", "body", "message"} {
		if v, ok := c[key]; ok && v != nil {
			return stringify(v)
		}
	}
	if nested, ok := c["document"].(map[string]any); ok {
		for _, key := range []string{"text", "content"} {
			if v, ok := nested[key]; ok && v != nil {
				return stringify(v)
			}
		}
	}

	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := c[k].(string); ok && len(s) > 10 {
			return s
		}
	}

	raw, err := json.MarshalIndent(map[string]any(c), "", "  ")
	if err != nil {
		return fmt.Sprint(map[string]any(c))
	}
	return string(raw)
}

// Metadata returns the content's metadata object, never nil.
func (c Content) Metadata() map[string]any {
	if m, ok := c["metadata"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
