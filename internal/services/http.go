package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

const maxResponseBody = 1 << 20

// HTTPHandler performs a single HTTP request per execution.
//
// Config keys: url (required), method (default GET), headers (map), body
// (string sent verbatim, or any other value sent as JSON) and timeout.
// A response outside 2xx is a failure. The output holds "statusCode" and
// "response", the latter decoded from JSON when possible.
type HTTPHandler struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPHandler returns an HTTPHandler. A nil client means
// http.DefaultClient; a zero timeout means DefaultHTTPTimeout.
func NewHTTPHandler(client *http.Client, timeout time.Duration) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPHandler{Client: client, Timeout: timeout}
}

func (h *HTTPHandler) Execute(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
	url := stringValue(req.Config, "url")
	if url == "" {
		return nil, errors.New("http: url is required")
	}
	method := strings.ToUpper(stringValue(req.Config, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var (
		body        io.Reader
		contentType string
	)
	switch b := req.Config["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("http: encode body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	ctx, cancel := context.WithTimeout(ctx, durationValue(req.Config, "timeout", h.Timeout))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http: build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("http: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http: %s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	out := map[string]any{"statusCode": resp.StatusCode}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out["response"] = decoded
	} else if len(raw) > 0 {
		out["response"] = string(raw)
	}
	return out, nil
}
