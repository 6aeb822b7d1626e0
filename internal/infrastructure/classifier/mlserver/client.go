package mlserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const userAgent = "docflow-worker/1.0"

// Client talks to the model server's /predict endpoint. It performs a single
// attempt; retries belong to classifier.Resilient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type predictOptions struct {
	IncludeEntities   bool `json:"include_entities"`
	IncludeConfidence bool `json:"include_confidence"`
}

type predictRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Options  predictOptions `json:"options"`
}

func (c *Client) Classify(ctx context.Context, text string, metadata map[string]any) (domain.Classification, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	req := predictRequest{
		Text:     text,
		Metadata: metadata,
		Options:  predictOptions{IncludeEntities: true, IncludeConfidence: true},
	}

	var result domain.Classification
	if err := c.postJSON(ctx, "/predict", req, &result); err != nil {
		return domain.Classification{}, err
	}
	return result, nil
}
