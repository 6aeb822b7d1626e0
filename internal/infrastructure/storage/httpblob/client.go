package httpblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Client reads objects of one scheme from the content retrieval service.
type Client struct {
	baseURL    string
	scheme     string
	httpClient *http.Client
}

func New(baseURL, scheme string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		scheme:     scheme,
		httpClient: httpClient,
	}
}

func (c *Client) Open(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	endpoint := c.baseURL + "/v1/objects/" + url.PathEscape(c.scheme) + "/" + url.PathEscape(bucket) + "/" + escapePath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidReference, "create object request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConnectivity, "fetch object", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, domain.WrapError(domain.ErrContentNotFound, "fetch object",
			fmt.Errorf("%s://%s/%s", c.scheme, bucket, path))
	case resp.StatusCode == http.StatusBadRequest:
		msg := readMessage(resp)
		return nil, domain.WrapError(domain.ErrInvalidReference, "fetch object", errors.New(msg))
	default:
		msg := readMessage(resp)
		return nil, domain.WrapError(domain.ErrConnectivity, "fetch object",
			fmt.Errorf("status %s: %s", resp.Status, msg))
	}
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func readMessage(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return strings.TrimSpace(string(body))
}
