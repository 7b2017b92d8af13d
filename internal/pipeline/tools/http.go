package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// HTTPToolOptions configures an HTTPTool.
type HTTPToolOptions struct {
	Name        string
	Description string
	// Dependency defaults to the endpoint host.
	Dependency string
	Endpoint   string
	Headers    map[string]string
	Client     *http.Client
}

// HTTPTool calls a JSON endpoint: it POSTs Params and expects a JSON object back.
type HTTPTool struct {
	name     string
	desc     string
	dep      string
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPTool validates opts and returns an HTTPTool.
func NewHTTPTool(opts HTTPToolOptions) (*HTTPTool, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("http tool: name is required")
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("http tool %s: endpoint is required", opts.Name)
	}
	req, err := http.NewRequest(http.MethodPost, opts.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("http tool %s: invalid endpoint: %w", opts.Name, err)
	}
	dep := opts.Dependency
	if dep == "" {
		dep = req.URL.Host
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPTool{
		name:     opts.Name,
		desc:     opts.Description,
		dep:      dep,
		endpoint: opts.Endpoint,
		headers:  opts.Headers,
		client:   client,
	}, nil
}

func (t *HTTPTool) Name() string        { return t.name }
func (t *HTTPTool) Description() string { return t.desc }
func (t *HTTPTool) Dependency() string  { return t.dep }

// Invoke maps transport timeouts to KindTimeout, non-2xx responses to
// KindRejected, and bodies that are not a JSON object to KindMalformed.
func (t *HTTPTool) Invoke(ctx context.Context, params Params) (Result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return Result{}, &Error{Tool: t.name, Kind: KindMalformed, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Tool: t.name, Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, &Error{Tool: t.name, Kind: classifyTransportError(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &Error{Tool: t.name, Kind: classifyTransportError(err), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &Error{
			Tool: t.name,
			Kind: KindRejected,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(payload), 256)),
		}
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Result{}, &Error{Tool: t.name, Kind: KindMalformed, Err: err}
	}
	return Result{Tool: t.name, Output: json.RawMessage(payload)}, nil
}

func classifyTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindRejected
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
