// Package nexus is a knowledge-graph client for a Nexus Delta deployment.
// Every call is bounded by a timeout, rate limited and retried on transient
// failures.
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// maxResponseSize limits JSON response bodies.
const maxResponseSize = 32 * 1024 * 1024

// DefaultTimeout bounds every external call.
const DefaultTimeout = 300 * time.Second

// DefaultSchema is the unconstrained schema segment.
const DefaultSchema = "_"

// Client talks to one bucket of a knowledge graph.
type Client struct {
	baseURL     string
	bucket      Bucket
	httpClient  *http.Client
	tokens      oauth2.TokenSource
	limiter     *rate.Limiter
	timeout     time.Duration
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTokenSource authenticates every request with tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(client *Client) {
		client.tokens = ts
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithTimeout bounds each call, retries included.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.timeout = d
	}
}

// WithRateLimit caps requests per second. Zero disables limiting.
func WithRateLimit(rps float64) ClientOption {
	return func(client *Client) {
		if rps <= 0 {
			client.limiter = nil
			return
		}
		client.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewClient creates a client for bucket at baseURL.
func NewClient(baseURL string, bucket Bucket, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bucket:      bucket,
		httpClient:  &http.Client{},
		timeout:     DefaultTimeout,
		retryConfig: DefaultRetryConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens != nil {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc := *c.httpClient
		hc.Transport = &oauth2.Transport{Source: c.tokens, Base: base}
		c.httpClient = &hc
	}
	return c
}

// Bucket returns the bucket the client writes to.
func (c *Client) Bucket() Bucket { return c.bucket }

// BaseURL returns the API base.
func (c *Client) BaseURL() string { return c.baseURL }

// request is one HTTP exchange. The body is kept as bytes so that retries
// can resend it.
type request struct {
	op          string
	id          string
	method      string
	url         string
	body        []byte
	contentType string
	accept      string
	limit       int64
}

func (c *Client) resourcesURL(parts ...string) string {
	segs := []string{c.baseURL, "resources", url.PathEscape(c.bucket.Org), url.PathEscape(c.bucket.Project)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

// do executes req with timeout, rate limit and retries and returns the
// response body. Transient failures are retried; a 404 returns ErrNotFound.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		attempts = attempt
		body, err := c.doOnce(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if IsFatal(err) || ctx.Err() != nil {
			break
		}
		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Graph request failed, retrying",
				"op", req.op,
				"id", req.id,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, &GraphIOError{Op: req.op, ID: req.id, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}
	return nil, &GraphIOError{Op: req.op, ID: req.id, Attempts: attempts, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, req request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	accept := req.accept
	if accept == "" {
		accept = "application/ld+json, application/json"
	}
	httpReq.Header.Set("Accept", accept)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, NewFatalError(fmt.Errorf("authenticate: %w", err))
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	limit := req.limit
	if limit <= 0 {
		limit = maxResponseSize
	}
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, limit))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", req.op, req.id, ErrNotFound)
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// calculateBackoff computes exponential backoff duration with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// +/- 25%
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("graph API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}

func (c *Client) getJSON(ctx context.Context, op, id, u string, out any) error {
	body, err := c.do(ctx, request{op: op, id: id, method: http.MethodGet, url: u})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, op, id, method, u string, payload any) (Resource, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
	}
	body, err := c.do(ctx, request{op: op, id: id, method: method, url: u, body: data, contentType: "application/json"})
	if err != nil {
		return nil, err
	}
	var res Resource
	if len(body) == 0 {
		return Resource{}, nil
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return res, nil
}

// Retrieve fetches a resource of the bucket by id.
func (c *Client) Retrieve(ctx context.Context, id string) (Resource, error) {
	var res Resource
	if err := c.getJSON(ctx, "retrieve", id, c.resourcesURL(DefaultSchema, id), &res); err != nil {
		return nil, err
	}
	return res, nil
}

// RetrieveSelf fetches a resource by its _self address.
func (c *Client) RetrieveSelf(ctx context.Context, self string) (Resource, error) {
	var res Resource
	if err := c.getJSON(ctx, "retrieve", self, self, &res); err != nil {
		return nil, err
	}
	return res, nil
}

type listing struct {
	Total   int        `json:"_total"`
	Results []Resource `json:"_results"`
	Next    string     `json:"_next"`
}

// List returns the non-deprecated resources of type typ, following
// pagination until limit entries are collected. limit <= 0 means no limit.
// Entries carry listing metadata only; fetch them with RetrieveSelf.
func (c *Client) List(ctx context.Context, typ string, limit int) ([]Resource, error) {
	q := url.Values{}
	q.Set("type", typ)
	q.Set("deprecated", "false")
	size := 100
	if limit > 0 && limit < size {
		size = limit
	}
	q.Set("size", strconv.Itoa(size))
	next := c.resourcesURL() + "?" + q.Encode()

	var out []Resource
	for next != "" {
		var page listing
		if err := c.getJSON(ctx, "list", typ, next, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if len(page.Results) == 0 {
			break
		}
		next = page.Next
	}
	return out, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Resource `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchAnnotations returns the live annotations of type typ whose target is
// the resource id, using the bucket's default search view.
func (c *Client) SearchAnnotations(ctx context.Context, target, typ string) ([]Resource, error) {
	query := map[string]any{
		"size": 1000,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"hasTarget.hasSource.@id": target}},
					map[string]any{"term": map[string]any{"@type": typ}},
					map[string]any{"term": map[string]any{"_deprecated": false}},
				},
			},
		},
	}
	data, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode search query: %w", err)
	}
	u := strings.Join([]string{c.baseURL, "views", url.PathEscape(c.bucket.Org), url.PathEscape(c.bucket.Project),
		"documents", "_search"}, "/")
	body, err := c.do(ctx, request{op: "search", id: target, method: http.MethodPost, url: u, body: data, contentType: "application/json"})
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Resource, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		self := h.Source.Self()
		if self == "" {
			continue
		}
		res, err := c.RetrieveSelf(ctx, self)
		if err != nil {
			return nil, err
		}
		if !res.Deprecated() {
			out = append(out, res)
		}
	}
	return out, nil
}

// Create registers a new resource under schema. An empty schema means
// unconstrained.
func (c *Client) Create(ctx context.Context, payload any, schema string) (Resource, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	return c.sendJSON(ctx, "create", "", http.MethodPost, c.resourcesURL(schema), payload)
}

// Update replaces the payload of resource id at revision rev.
func (c *Client) Update(ctx context.Context, id string, rev int, payload any, schema string) (Resource, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	u := c.resourcesURL(schema, id) + "?rev=" + strconv.Itoa(rev)
	return c.sendJSON(ctx, "update", id, http.MethodPut, u, payload)
}

// Deprecate soft-deletes resource id at revision rev.
func (c *Client) Deprecate(ctx context.Context, id string, rev int) (Resource, error) {
	u := c.resourcesURL(DefaultSchema, id) + "?rev=" + strconv.Itoa(rev)
	return c.sendJSON(ctx, "deprecate", id, http.MethodDelete, u, nil)
}

// UpdateSchema changes the schema a resource is constrained by.
func (c *Client) UpdateSchema(ctx context.Context, id, schema string) (Resource, error) {
	u := c.resourcesURL(schema, id) + "/update-schema"
	return c.sendJSON(ctx, "update-schema", id, http.MethodPut, u, nil)
}

type identities struct {
	Identities []struct {
		ID      string `json:"@id"`
		Type    string `json:"@type"`
		Subject string `json:"subject"`
	} `json:"identities"`
}

// WhoAmI returns the IRI of the authenticated user.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var ids identities
	if err := c.getJSON(ctx, "whoami", "", c.baseURL+"/identities", &ids); err != nil {
		return "", err
	}
	for _, id := range ids.Identities {
		if id.Type == "User" {
			return id.ID, nil
		}
	}
	return "", NewFatalError(errors.New("whoami: no user identity in token"))
}
