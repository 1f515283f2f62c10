// Package httpbackend talks to a REST server on behalf of offline.Client.
//
// Resources are collections at "<BaseURL>/<resource>":
//
//	GET    /vehicle       list
//	POST   /vehicle       create
//	PATCH  /vehicle/{id}  update
//	DELETE /vehicle/{id}  delete
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/vearutop/offline"
)

// Metric names.
const (
	MetricRequest = "http_request"
	MetricRetry   = "http_retry"
)

// Config controls Backend instance.
type Config struct {
	// BaseURL is a server root, required.
	BaseURL string

	// Paths maps resource type to collection path, default "/<resource>".
	Paths map[string]string

	// Header is added to every request.
	Header http.Header

	// HTTPClient is used for requests, default client has 10s timeout.
	HTTPClient *http.Client

	// Retry controls retries of transient failures.
	Retry RetryPolicy

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

var _ offline.Backend = &Backend{}

// Backend is a REST implementation of offline.Backend.
//
// Non-retryable 4xx responses are marked with offline.Permanent.
type Backend struct {
	base   *url.URL
	config Config
	client *http.Client
	log    ctxd.Logger
	stat   stats.Tracker
}

// New creates Backend.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("httpbackend: base URL is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, ctxd.WrapError(context.Background(), err, "httpbackend: invalid base URL")
	}

	b := &Backend{
		base:   base,
		config: cfg,
		client: cfg.HTTPClient,
		log:    cfg.Logger,
		stat:   cfg.Stats,
	}

	b.config.Retry = cfg.Retry.normalize()

	if b.client == nil {
		b.client = &http.Client{Timeout: 10 * time.Second}
	}

	if b.log == nil {
		b.log = ctxd.NoOpLogger{}
	}

	if b.stat == nil {
		b.stat = stats.NoOp{}
	}

	return b, nil
}

func (b *Backend) path(resource string, id string) string {
	p, ok := b.config.Paths[resource]
	if !ok {
		p = "/" + url.PathEscape(resource)
	}

	if id != "" {
		p += "/" + url.PathEscape(id)
	}

	return b.base.String() + p
}

// Mutate sends mutation to server and returns authoritative record.
func (b *Backend) Mutate(ctx context.Context, m offline.Mutation) (offline.Record, error) {
	var (
		method string
		body   []byte
		err    error
	)

	switch m.Op {
	case offline.OpCreate:
		method = http.MethodPost
	case offline.OpUpdate:
		method = http.MethodPatch
	case offline.OpDelete:
		method = http.MethodDelete
	default:
		return nil, offline.Permanent(errors.New("unsupported operation: " + string(m.Op)))
	}

	if m.Op != offline.OpCreate && m.ID == "" {
		return nil, offline.Permanent(offline.ErrMissingID)
	}

	if m.Payload != nil {
		if body, err = json.Marshal(m.Payload); err != nil {
			return nil, offline.Permanent(err)
		}
	}

	resp, err := b.do(ctx, method, b.path(m.Resource, m.ID), body)
	if err != nil {
		var he *HTTPError

		// Record is already gone.
		if m.Op == offline.OpDelete && errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			b.log.Debug(ctx, "deleted record is missing on server", "resource", m.Resource, "id", m.ID)

			return nil, nil
		}

		return nil, err
	}

	if len(bytes.TrimSpace(resp)) == 0 {
		return nil, nil
	}

	var rec offline.Record

	if err := json.Unmarshal(resp, &rec); err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to decode server record", "resource", m.Resource)
	}

	return rec, nil
}

// List returns server snapshot loader of a resource.
//
// Response can be a JSON array or an object with "data" array.
func (b *Backend) List(resource string) func(ctx context.Context) ([]offline.Record, error) {
	return func(ctx context.Context) ([]offline.Record, error) {
		resp, err := b.do(ctx, http.MethodGet, b.path(resource, ""), nil)
		if err != nil {
			return nil, err
		}

		var records []offline.Record

		if err := json.Unmarshal(resp, &records); err == nil {
			return records, nil
		}

		var envelope struct {
			Data []offline.Record `json:"data"`
		}

		if err := json.Unmarshal(resp, &envelope); err != nil {
			return nil, ctxd.WrapError(ctx, err, "failed to decode server list", "resource", resource)
		}

		return envelope.Data, nil
	}
}

// Resource returns resource definition for offline.Client.Register.
func (b *Backend) Resource(resource string, policy offline.Policy) offline.Resource {
	return offline.Resource{
		List:    b.List(resource),
		Backend: b,
		Policy:  policy,
	}
}

func (b *Backend) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	bo := newBackoff(b.config.Retry)

	for attempt := 0; ; attempt++ {
		res, err := b.once(ctx, method, u, body)
		if err == nil {
			return res, nil
		}

		if !retryable(err) {
			var he *HTTPError
			if errors.As(err, &he) {
				return nil, offline.Permanent(err)
			}

			return nil, err
		}

		if attempt >= b.config.Retry.MaxRetries {
			return nil, err
		}

		delay := bo.forAttempt(attempt)

		b.log.Debug(ctx, "retrying request", "method", method, "url", u, "attempt", attempt+1, "delay", delay, "error", err)
		b.stat.Add(ctx, MetricRetry, 1, "method", method)

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (b *Backend) once(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}

	for k, vv := range b.config.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close() //nolint:errcheck

	b.stat.Add(ctx, MetricRequest, 1, "method", method, "status", http.StatusText(resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Method: method, URL: u, StatusCode: resp.StatusCode, Body: data}
	}

	return data, nil
}
