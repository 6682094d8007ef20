package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// HTTPConfig configures the HTTP tools.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPTools returns the http.request, http.get, and http.post tools.
func HTTPTools(cfg HTTPConfig) []Tool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	request := &httpRequestTool{cfg: cfg}
	return []Tool{
		request,
		&httpMethodTool{name: "http.get", method: http.MethodGet, inner: request,
			description: "Convenience tool for HTTP GET requests."},
		&httpMethodTool{name: "http.post", method: http.MethodPost, inner: request,
			description: "Convenience tool for HTTP POST requests."},
	}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "bodyEncoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","apiKey"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "headerName": {"type": "string"},
        "headerValue": {"type": "string"}
      }
    },
    "timeoutMs": {"type": "integer", "minimum": 0},
    "followRedirects": {"type": "boolean", "default": true},
    "maxRedirects": {"type": "integer", "default": 10},
    "tlsSkipVerify": {"type": "boolean", "default": false},
    "failOnErrorStatus": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpResponseOutputSchema = `{
  "type": "object",
  "properties": {
    "statusCode": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "contentType": {"type": "string"},
    "durationMs": {"type": "integer"}
  }
}`

// --- http.request ---

type httpRequestTool struct {
	cfg HTTPConfig
}

func (t *httpRequestTool) Name() string { return "http.request" }

func (t *httpRequestTool) Description() string {
	return "Execute an HTTP request with full control over method, headers, body, auth, and redirects."
}

func (t *httpRequestTool) Schema() ToolSchema {
	return ToolSchema{
		Input:  json.RawMessage(httpRequestInputSchema),
		Output: json.RawMessage(httpResponseOutputSchema),
	}
}

func (t *httpRequestTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}

	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, flow.NewErrorf(flow.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	bodyEncoding := stringParam(params, "bodyEncoding", "json")
	followRedirects := boolParam(params, "followRedirects", true)
	maxRedirects := intParam(params, "maxRedirects", 10)
	tlsSkipVerify := boolParam(params, "tlsSkipVerify", false)
	failOnErrorStatus := boolParam(params, "failOnErrorStatus", false)

	timeout := t.cfg.DefaultTimeout
	if ms := intParam(params, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	bodyReader, contentType, err := encodeBody(params, bodyEncoding)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeToolFailed, "http.request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, params)

	// New client per call so redirect policy and TLS settings never leak
	// between tools sharing the default transport.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxResponseBody))
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeToolFailed, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"headers":     respHeaders,
		"body":        parseBody(bodyBytes, respContentType),
		"contentType": respContentType,
		"durationMs":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

// encodeBody turns the body param into a reader per the requested encoding.
func encodeBody(params map[string]any, encoding string) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}

	switch encoding {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default: // json
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", flow.NewError(flow.ErrCodeToolFailed, "http.request: failed to marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "apiKey":
		if name := stringParam(auth, "headerName", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "headerValue", ""))
		}
	}
}

// parseBody decodes JSON responses into structured data so downstream steps
// can interpolate into them; everything else stays a string.
func parseBody(bodyBytes []byte, contentType string) any {
	if len(bodyBytes) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(bodyBytes, &parsed); err == nil {
			return parsed
		}
	}
	return string(bodyBytes)
}

// --- http.get / http.post ---

// httpMethodTool pins the method of the underlying request tool.
type httpMethodTool struct {
	name        string
	method      string
	description string
	inner       *httpRequestTool
}

func (t *httpMethodTool) Name() string        { return t.name }
func (t *httpMethodTool) Description() string { return t.description }

func (t *httpMethodTool) Schema() ToolSchema {
	return ToolSchema{
		Input:  json.RawMessage(httpRequestInputSchema),
		Output: json.RawMessage(httpResponseOutputSchema),
	}
}

func (t *httpMethodTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["method"] = t.method
	return t.inner.Invoke(ctx, merged)
}
