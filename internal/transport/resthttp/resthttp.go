// Package resthttp provides a transport binding over a conventional
// JSON REST API, for deployments where the backend follows standard
// resource routes.
//
// Route conventions per entity type:
//
//	POST   {base}/{entity}        create
//	PUT    {base}/{entity}/{id}   update
//	DELETE {base}/{entity}/{id}   delete
//	GET    {base}/{entity}/{id}   get
//	GET    {base}/{entity}        getAll, list, find (query string)
//
// Anything beyond these conventions (auth headers, tenant routing,
// non-standard routes) is out of scope here; embedders with such
// backends implement their own bindings against the transport
// interfaces.
package resthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quiltworks/outpost/internal/transport"
)

// DefaultTimeout bounds each request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: server returned HTTP %d", e.Method, e.URL, e.Code)
}

// Binding applies one entity type's operations against a REST backend.
// It implements both transport.Mutator and transport.Reader.
type Binding struct {
	base   *url.URL
	entity string
	client *http.Client
}

var (
	_ transport.Mutator = (*Binding)(nil)
	_ transport.Reader  = (*Binding)(nil)
)

// New creates a binding for one entity type rooted at baseURL.
// A zero timeout uses DefaultTimeout.
func New(baseURL, entity string, timeout time.Duration) (*Binding, error) {
	if entity == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Binding{
		base:   base,
		entity: entity,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// RegisterEntities creates one binding per entity and registers them all.
// Used by the daemon and CLI to wire a whole backend from configuration.
func RegisterEntities(reg *transport.Registry, baseURL string, entities []string, timeout time.Duration) error {
	for _, entity := range entities {
		b, err := New(baseURL, entity, timeout)
		if err != nil {
			return fmt.Errorf("failed to build binding for %s: %w", entity, err)
		}
		if err := reg.Register(entity, b); err != nil {
			return err
		}
	}
	return nil
}

// Create implements transport.Mutator.
func (b *Binding) Create(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return b.do(ctx, http.MethodPost, b.base.JoinPath(b.entity), data)
}

// Update implements transport.Mutator.
func (b *Binding) Update(ctx context.Context, id string, data json.RawMessage) (json.RawMessage, error) {
	return b.do(ctx, http.MethodPut, b.base.JoinPath(b.entity, id), data)
}

// Delete implements transport.Mutator.
func (b *Binding) Delete(ctx context.Context, id string) error {
	_, err := b.do(ctx, http.MethodDelete, b.base.JoinPath(b.entity, id), nil)
	return err
}

// Get implements transport.Reader.
func (b *Binding) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return b.do(ctx, http.MethodGet, b.base.JoinPath(b.entity, id), nil)
}

// GetAll implements transport.Reader.
func (b *Binding) GetAll(ctx context.Context) (json.RawMessage, error) {
	return b.do(ctx, http.MethodGet, b.base.JoinPath(b.entity), nil)
}

// List implements transport.Reader.
func (b *Binding) List(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	return b.do(ctx, http.MethodGet, withQuery(b.base.JoinPath(b.entity), params), nil)
}

// Find implements transport.Reader.
func (b *Binding) Find(ctx context.Context, query map[string]string) (json.RawMessage, error) {
	return b.do(ctx, http.MethodGet, withQuery(b.base.JoinPath(b.entity), query), nil)
}

// withQuery returns a copy of u with the given parameters encoded.
func withQuery(u *url.URL, params map[string]string) *url.URL {
	if len(params) == 0 {
		return u
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	copied := *u
	copied.RawQuery = q.Encode()
	return &copied
}

// do sends one request and returns the response body.
func (b *Binding) do(ctx context.Context, method string, u *url.URL, body json.RawMessage) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Method: method, URL: u.String(), Code: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}
