package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRequest is a request issued by an http step.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// HTTPResponse is what an http step records as its output.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPClient performs http step requests.
type HTTPClient interface {
	Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// maxResponseBody caps how much of a response body is recorded.
const maxResponseBody = 1 << 20

// NetHTTPClient is the HTTPClient backed by net/http.
type NetHTTPClient struct {
	Client *http.Client
}

// NewNetHTTPClient returns a client using http.DefaultClient.
func NewNetHTTPClient() *NetHTTPClient {
	return &NetHTTPClient{Client: http.DefaultClient}
}

// Do sends req. Non-2xx statuses are returned as responses, not errors.
func (c *NetHTTPClient) Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = bytes.NewBufferString(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return HTTPResponse{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("read response: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: string(b)}, nil
}

var _ HTTPClient = (*NetHTTPClient)(nil)
