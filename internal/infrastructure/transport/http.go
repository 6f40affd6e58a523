// Package transport implements the HTTP and websocket transports of the
// client.
package transport

import (
	"context"
	"net/http"
	"time"

	"wrts/internal/core/ports"
)

// HTTPTransport performs HTTP exchanges with net/http. Response bodies are
// streamed; cancelling the request context aborts the body read.
type HTTPTransport struct {
	client *http.Client
	token  string // optional bearer token for protected streams
}

// Config tunes the HTTP transport.
type Config struct {
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	AccessToken    string
}

// NewHTTPTransport builds the transport.
func NewHTTPTransport(cfg Config) *HTTPTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = cfg.HeaderTimeout
	}
	return &HTTPTransport{
		client: &http.Client{Transport: tr},
		token:  cfg.AccessToken,
	}
}

// Do implements ports.Transport.
func (t *HTTPTransport) Do(ctx context.Context, req *ports.Request) (*ports.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if t.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	return &ports.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
	}, nil
}
