package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTask calls an external endpoint. Status codes of 400 and above fail
// the task so the retry engine can pick it up.
type HTTPTask struct {
	Client *http.Client
}

type httpPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTPTask) Handle(ctx context.Context, payload json.RawMessage) error {
	var p httpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid http task payload: %w", err)
	}
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if p.Timeout <= 0 {
		p.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(p.Timeout) * time.Second}
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return fmt.Errorf("building http task request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http task request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading http task response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http task returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
