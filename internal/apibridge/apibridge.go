// ABOUTME: Resolves api-client:fetch intents with real HTTP requests against one API.
// ABOUTME: Client is the raising side, turning Fetch calls into intents on any agent.

package apibridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/protocol"
)

// FetchIntent is the intent type for proxied API requests.
const FetchIntent = "api-client:fetch"

// DefaultTimeout bounds a single proxied request.
const DefaultTimeout = 30 * time.Second

// ErrAbsoluteURL indicates a request path that names its own host.
var ErrAbsoluteURL = errors.New("fetch path must be relative to the API base URL")

// ErrOutsideBase indicates a relative path that climbs above the base path.
var ErrOutsideBase = errors.New("fetch path escapes the API base path")

// ErrNoBaseURL indicates a resolver configured without an API base URL.
var ErrNoBaseURL = errors.New("api base URL is required")

// FetchRequest is the payload of a FetchIntent.
type FetchRequest struct {
	Method string              `cbor:"method,omitempty"`
	Path   string              `cbor:"path"`
	Header map[string][]string `cbor:"header,omitempty"`
	Body   []byte              `cbor:"body,omitempty"`
}

// FetchResponse is the result of a FetchIntent. Non-2xx statuses are
// responses, not errors.
type FetchResponse struct {
	Status int                 `cbor:"status"`
	Header map[string][]string `cbor:"header,omitempty"`
	Body   []byte              `cbor:"body,omitempty"`
}

// Config configures a Resolver.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// Token, when set, is sent as a bearer token on every request.
	Token string

	Logger *slog.Logger
}

// Resolver performs FetchRequests against one API.
type Resolver struct {
	base    *url.URL
	timeout time.Duration
	client  *http.Client
	token   string
	logger  *slog.Logger
}

// NewResolver validates cfg and creates a resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing api base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		base:    base,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		token:   cfg.Token,
		logger:  cfg.Logger.With("component", "apibridge"),
	}, nil
}

// Resolve is an agent.Resolver for FetchIntent.
func (r *Resolver) Resolve(ctx context.Context, payload any) (any, error) {
	var req FetchRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding fetch request: %w", err)
	}
	return r.Do(ctx, req)
}

// Do performs req and returns the API's answer.
func (r *Resolver) Do(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	target, err := r.resolveURL(req.Path)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if r.token != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	r.logger.Debug("proxied request",
		"method", method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return &FetchResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

func (r *Resolver) resolveURL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parsing fetch path: %w", err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("%w: %s", ErrAbsoluteURL, path)
	}
	ref.Path = strings.TrimLeft(ref.Path, "/")
	ref.RawPath = ""
	resolved := r.base.ResolveReference(ref)
	if !strings.HasPrefix(resolved.Path, r.base.Path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBase, path)
	}
	return resolved.String(), nil
}

// Subscribe registers r as the FetchIntent resolver on agent a.
func Subscribe(a agent.Agent, r *Resolver) (agent.Unsubscribe, error) {
	return a.SubscribeToIntent(FetchIntent, r.Resolve)
}

// Client raises FetchIntent on an agent, wherever the resolver lives.
type Client struct {
	agent agent.Agent
}

// NewClient creates a client raising on a.
func NewClient(a agent.Agent) *Client {
	return &Client{agent: a}
}

// Fetch raises req and decodes the response.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	result, err := c.agent.RaiseIntent(ctx, protocol.Intent{Type: FetchIntent, Payload: req})
	if err != nil {
		return nil, err
	}
	var resp FetchResponse
	if err := protocol.DecodePayload(result, &resp); err != nil {
		return nil, fmt.Errorf("decoding fetch response: %w", err)
	}
	return &resp, nil
}
