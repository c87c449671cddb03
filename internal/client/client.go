// Package client is a Go client for the map API that signs every request
// with the gameon headers.
package client

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

	"github.com/cenkalti/backoff/v5"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/lattice"
	"github.com/gameontext/gameon-map-sub000/internal/signing"
	"github.com/gameontext/gameon-map-sub000/internal/site"
)

const basePath = "/map/v1"

// DefaultAttempts is the try limit for a call that keeps getting 503.
const DefaultAttempts = 3

const (
	retryBackoff    = 100 * time.Millisecond
	retryBackoffMax = time.Second
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client calls a map server. A nil Signer sends unsigned requests, which
// the server treats as anonymous reads.
type Client struct {
	BaseURL string
	Signer  *signing.Signer
	HTTP    *http.Client
	// Attempts bounds tries per call when the server answers 503.
	// Zero means DefaultAttempts.
	Attempts int
}

// New returns a Client for baseURL with the given request timeout.
func New(baseURL string, signer *signing.Signer, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Signer:  signer,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// ListFilter narrows ListSites. Empty fields match everything.
type ListFilter struct {
	Owner string
	Name  string
	Type  site.Type
}

// Health pings the server and its store.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// ListSites lists sites matching f.
func (c *Client) ListSites(ctx context.Context, f ListFilter) ([]site.Site, error) {
	q := url.Values{}
	if f.Owner != "" {
		q.Set("owner", f.Owner)
	}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	var out []site.Site
	err := c.do(ctx, http.MethodGet, "/sites", q, nil, &out)
	return out, err
}

// Connect registers a new room and returns the claimed site.
func (c *Client) Connect(ctx context.Context, info *site.RoomInfo) (site.Site, error) {
	var out site.Site
	err := c.do(ctx, http.MethodPost, "/sites", nil, info, &out)
	return out, err
}

// Get fetches one site with its exits.
func (c *Client) Get(ctx context.Context, id string) (site.Site, error) {
	var out site.Site
	err := c.do(ctx, http.MethodGet, "/sites/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Exits fetches only the exits of a site.
func (c *Client) Exits(ctx context.Context, id string) (*site.Exits, error) {
	var out site.Exits
	if err := c.do(ctx, http.MethodGet, "/sites/"+url.PathEscape(id)+"/exits", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the room info of a site.
func (c *Client) Update(ctx context.Context, id string, info *site.RoomInfo) (site.Site, error) {
	var out site.Site
	err := c.do(ctx, http.MethodPut, "/sites/"+url.PathEscape(id), nil, info, &out)
	return out, err
}

// Delete removes a room and returns its last revision.
func (c *Client) Delete(ctx context.Context, id string) (string, error) {
	var out struct {
		Rev string `json:"rev"`
	}
	err := c.do(ctx, http.MethodDelete, "/sites/"+url.PathEscape(id), nil, nil, &out)
	return out.Rev, err
}

// Swap exchanges the coordinates of two sites.
func (c *Client) Swap(ctx context.Context, first, second lattice.SwapTarget) ([2]site.Site, error) {
	body := map[string]lattice.SwapTarget{"site1": first, "site2": second}
	var out [2]site.Site
	err := c.do(ctx, http.MethodPut, "/sites/swap", nil, body, &out)
	return out, err
}

// NewRequest builds a signed request for path under the API base. The
// body, if any, is the exact bytes sent.
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	target := c.BaseURL + basePath + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Signer != nil && c.Signer.UserID != "" {
		c.Signer.SignRequest(req, body)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	// Every attempt builds a new request so a retry carries a fresh
	// signature; the server has already recorded the old one.
	op := func() ([]byte, error) {
		req, err := c.NewRequest(ctx, method, path, query, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return c.send(req)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBackoff
	b.MaxInterval = retryBackoffMax
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs one attempt. Only a 503 answer is retryable.
func (c *Client) send(req *http.Request) ([]byte, error) {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, backoff.Permanent(apierr.Wrap(apierr.Unavailable, "map server unreachable", err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, backoff.Permanent(apierr.Wrap(apierr.Unavailable, "read response", err))
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, decodeError(resp.StatusCode, b)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backoff.Permanent(decodeError(resp.StatusCode, b))
	}
	return b, nil
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MoreInfo  string `json:"moreInfo"`
	RequestID string `json:"requestId"`
}

func decodeError(status int, b []byte) error {
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err != nil || eb.Message == "" {
		eb.Message = strings.TrimSpace(string(b))
		if eb.Message == "" {
			eb.Message = http.StatusText(status)
		}
	}
	e := apierr.New(apierr.KindFromStatus(status, eb.Code), eb.Message)
	if eb.MoreInfo != "" {
		e = e.WithMoreInfo(eb.MoreInfo)
	}
	return e
}
