package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lensboard/pkg/artifact"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBodyLen = 4096

	// A conflict answer carries the authority's whole copy of the artifact.
	maxConflictBodyLen = 8 << 20
)

// StatusError is returned for non-2xx responses that are neither conflicts nor
// not-found answers.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authority returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("authority returned %d: %s", e.Code, e.Message)
}

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// HTTPClient talks to the authority's /v1 API.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
}

var _ Transport = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the authority at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("authority base url is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("authority url must use http or https: %s", baseURL)
	}

	c := &HTTPClient{
		base: parsed,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// List fetches the whole collection in authority order.
func (c *HTTPClient) List(ctx context.Context, key artifact.Key) ([]artifact.Raw, error) {
	var resp struct {
		Items []artifact.Raw `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, collectionPath(key), nil, &resp); err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	if resp.Items == nil {
		resp.Items = []artifact.Raw{}
	}
	return resp.Items, nil
}

// Create posts a new artifact and returns the authoritative copy.
func (c *HTTPClient) Create(ctx context.Context, key artifact.Key, req artifact.CreateRequest) (artifact.Raw, error) {
	var resp struct {
		Artifact artifact.Raw `json:"artifact"`
	}
	if err := c.do(ctx, http.MethodPost, collectionPath(key), req, &resp); err != nil {
		return artifact.Raw{}, fmt.Errorf("create in %s: %w", key, err)
	}
	return resp.Artifact, nil
}

// Update patches an artifact guarded by req.ExpectedVersion.
func (c *HTTPClient) Update(ctx context.Context, key artifact.Key, req artifact.UpdateRequest) (artifact.Raw, error) {
	var resp struct {
		Artifact artifact.Raw `json:"artifact"`
	}
	if err := c.do(ctx, http.MethodPatch, itemPath(key, req.ID), req, &resp); err != nil {
		var conflict *artifact.ConflictError
		if errors.As(err, &conflict) {
			conflict.ID = req.ID
			conflict.Expected = req.ExpectedVersion
			return artifact.Raw{}, conflict
		}
		return artifact.Raw{}, fmt.Errorf("update %s in %s: %w", req.ID, key, err)
	}
	return resp.Artifact, nil
}

// Delete removes an artifact.
func (c *HTTPClient) Delete(ctx context.Context, key artifact.Key, id string) error {
	if err := c.do(ctx, http.MethodDelete, itemPath(key, id), nil, nil); err != nil {
		return fmt.Errorf("delete %s in %s: %w", id, key, err)
	}
	return nil
}

// Invoke runs a named action and returns the result bytes untouched.
func (c *HTTPClient) Invoke(ctx context.Context, req artifact.ActionRequest) (json.RawMessage, error) {
	var resp artifact.ActionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/actions", req, &resp); err != nil {
		return nil, fmt.Errorf("action %s on %s/%s: %w", req.Action, req.Domain, req.ID, err)
	}
	return resp.Result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	limit := int64(maxErrorBodyLen)
	if resp.StatusCode == http.StatusConflict {
		limit = maxConflictBodyLen
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, limit))

	var body struct {
		Error   string        `json:"error"`
		Current *artifact.Raw `json:"current"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		body.Error = strings.TrimSpace(string(data))
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		conflict := &artifact.ConflictError{}
		if body.Current != nil {
			conflict.Current = *body.Current
		}
		return conflict
	case http.StatusNotFound:
		if body.Error == "" {
			return artifact.ErrNotFound
		}
		return fmt.Errorf("%w: %s", artifact.ErrNotFound, body.Error)
	default:
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
}

func collectionPath(key artifact.Key) string {
	return "/v1/artifacts/" + url.PathEscape(key.Domain) + "/" + url.PathEscape(key.Type)
}

func itemPath(key artifact.Key, id string) string {
	return collectionPath(key) + "/" + url.PathEscape(id)
}
