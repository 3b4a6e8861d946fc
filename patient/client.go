package patient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scribe/internal/nettrace"
)

// APIError is a non-2xx reply from the patients API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("patients API: %d: %s", e.Status, e.Detail)
}

// Is lets callers test API failures against ErrNotFound and ErrMRNExists.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrMRNExists:
		return e.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Detail), "mrn already exists")
	}
	return false
}

// Client talks to the /api/patients endpoints. It implements Repository.
type Client struct {
	base string
	http *nettrace.TracedClient
}

func NewClient(serverURL string) *Client {
	return &Client{
		base: strings.TrimRight(serverURL, "/") + "/api/patients",
		http: nettrace.New(15 * time.Second),
	}
}

var _ Repository = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("patients API: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Detail: detail(resp.Body, resp.StatusCode)}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("patients API: decoding reply: %w", err)
	}
	return nil
}

func detail(body []byte, status int) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return http.StatusText(status)
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (Patient, error) {
	var p Patient
	err := c.do(ctx, http.MethodPost, "", req, &p)
	return p, err
}

func (c *Client) Get(ctx context.Context, id string) (Patient, error) {
	var p Patient
	err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(id), nil, &p)
	return p, err
}

func (c *Client) List(ctx context.Context) ([]Patient, error) {
	var ps []Patient
	err := c.do(ctx, http.MethodGet, "", nil, &ps)
	return ps, err
}

func (c *Client) Update(ctx context.Context, id string, req UpdateRequest) (Patient, error) {
	var p Patient
	err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(id), req, &p)
	return p, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/"+url.PathEscape(id), nil, nil)
}
