package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/3cpo-dev/chkbus/pkg/api"
)

// Client calls a gateway over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient allows for the gateway's read-result wait budget in its timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PublishChecks posts a batch of check descriptors.
func (c *Client) PublishChecks(ctx context.Context, req api.PublishChecksRequest) (Outcome, error) {
	return c.post(ctx, "/publish-checks", req)
}

// ReadResult waits for one check result. Non-200 statuses are returned in
// the Outcome, not as errors.
func (c *Client) ReadResult(ctx context.Context, req api.ReadResultRequest) (Outcome, error) {
	return c.post(ctx, "/read-result", req)
}

func (c *Client) post(ctx context.Context, path string, body any) (Outcome, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("read gateway response: %w", err)
	}

	out := Outcome{Status: resp.StatusCode, Body: string(raw)}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var e api.ErrorResponse
		if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
			out.Body = e.Error
			out.JSON = true
		}
	}
	return out, nil
}
