package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
)

// runHTTP performs the request. Transport errors and 5xx responses are
// retried; other non-2xx responses fail the step immediately.
func (e *Engine) runHTTP(ctx context.Context, r *run, step core.Step) (any, error) {
	cfg, err := decodeConfig[HTTPConfig](step)
	if err != nil {
		return nil, permanent(err)
	}
	env := r.env()
	render := func(s string) (string, error) {
		out, err := util.RenderTemplate(s, env)
		if err != nil {
			return "", permanent(core.NewValidationError("workflow.http", err.Error()))
		}
		return out, nil
	}

	req := HTTPRequest{Method: strings.ToUpper(cfg.Method), Headers: make(map[string]string, len(cfg.Headers))}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.URL, err = render(cfg.URL); err != nil {
		return nil, err
	}
	if req.Body, err = render(cfg.Body); err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		if req.Headers[k], err = render(v); err != nil {
			return nil, err
		}
	}

	resp, err := e.opts.HTTPClient.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"status": resp.Status, "headers": resp.Headers, "body": resp.Body}
	var decoded any
	if json.Unmarshal([]byte(resp.Body), &decoded) == nil {
		out["json"] = decoded
	}
	switch {
	case resp.Status >= 500:
		return nil, fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.Status)
	case resp.Status >= 300:
		return nil, permanent(fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.Status))
	}
	return out, nil
}
