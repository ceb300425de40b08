// internal/backend/client.go
//
// Formgate – backend REST adapters.
//
// Context
//   The form package knows nothing about HTTP.  It consumes two function
//   types: form.Checker for uniqueness checks and form.SubmitFunc for the
//   final submission.  Client binds both to the business backend's REST API.
//
// Workflow
//   •  Unique → GET {base}/{resource}/check?{param}=value&exclude_id=id.
//      The answer is read from "available", "data.available", or "unique".
//      Checks pass through a token-bucket limiter so a fast typist cannot
//      flood the backend.
//   •  Submitter → {method} {base}/{path} with a JSON body keyed by server
//      field names and a fresh Idempotency-Key per attempt.
//      2xx            → OK.
//      400 / 422      → field errors (OK=false), when the body carries any.
//      anything else  → transport error.
//
// Notes
//   •  Response bodies are loosely shaped across backends; gjson reads the
//      paths we need without declaring structs for every variant.
//   •  Non-2xx on a check is an error; the caller fails open.
//
//------------------------------------------------------------------------------

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yanizio/formgate/internal/form"
	"github.com/yanizio/formgate/internal/metrics"
)

// Defaults applied by New when Options leaves a field zero.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultChecksPerSecond = 20
	DefaultBurst           = 10

	maxBody = 1 << 20
)

// ErrUnexpectedResponse marks a response the client could not interpret.
var ErrUnexpectedResponse = errors.New("backend: unexpected response")

// StatusError is returned for non-2xx responses that carry no usable
// field errors.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	Token           string // Sent as "Authorization: Bearer …" when set.
	Timeout         time.Duration
	ChecksPerSecond float64
	Burst           int
	HTTPClient      *http.Client // Overrides Timeout when set.
	Logger          *zap.SugaredLogger
}

// Client talks to the business backend.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL %q must be http or https", opts.BaseURL)
	}

	c := &Client{
		base:  base,
		token: opts.Token,
		http:  opts.HTTPClient,
		log:   opts.Logger,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.log == nil {
		c.log = zap.S()
	}

	rps, burst := opts.ChecksPerSecond, opts.Burst
	if rps <= 0 {
		rps = DefaultChecksPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c, nil
}

// -----------------------------------------------------------------------------
// Uniqueness checks
// -----------------------------------------------------------------------------

// Unique returns a Checker that asks the backend whether value is free for
// resource.  param is the query parameter carrying the value, normally the
// field's server name.
func (c *Client) Unique(resource, param string) form.Checker {
	path := strings.Trim(resource, "/") + "/check"
	return func(ctx context.Context, value, excludeID string) (bool, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("backend check throttled: %w", err)
		}

		q := url.Values{}
		q.Set(param, value)
		if excludeID != "" {
			q.Set("exclude_id", excludeID)
		}

		status, body, err := c.do(ctx, "check", http.MethodGet, path, q, nil, nil)
		if err != nil {
			return false, err
		}
		if status < 200 || status > 299 {
			return false, &StatusError{Op: "check", Status: status, Body: snippet(body)}
		}
		return parseAvailability(body)
	}
}

func parseAvailability(body []byte) (bool, error) {
	if !gjson.ValidBytes(body) {
		return false, fmt.Errorf("%w: check body is not JSON", ErrUnexpectedResponse)
	}
	for _, p := range []string{"available", "data.available", "unique"} {
		r := gjson.GetBytes(body, p)
		if r.IsBool() {
			return r.Bool(), nil
		}
	}
	return false, fmt.Errorf("%w: check body has no availability flag", ErrUnexpectedResponse)
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

// Submitter returns a SubmitFunc that sends values to {base}/{path}.  names
// maps client field names to the backend's and back.
func (c *Client) Submitter(method, path string, names form.FieldNames) form.SubmitFunc {
	if method == "" {
		method = http.MethodPost
	}
	path = strings.Trim(path, "/")
	return func(ctx context.Context, values form.Values) (form.SubmitOutcome, error) {
		payload, err := json.Marshal(names.TranslateValues(values))
		if err != nil {
			return form.SubmitOutcome{}, fmt.Errorf("backend submit: marshal body: %w", err)
		}

		hdr := http.Header{}
		hdr.Set("Content-Type", "application/json")
		hdr.Set("Idempotency-Key", uuid.NewString())

		status, body, err := c.do(ctx, "submit", method, path, nil, payload, hdr)
		if err != nil {
			return form.SubmitOutcome{}, err
		}

		switch {
		case status >= 200 && status <= 299:
			return form.SubmitOutcome{OK: true}, nil
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
			if fe := ParseFieldErrors(body); len(fe) > 0 {
				return form.SubmitOutcome{FieldErrors: fe}, nil
			}
		}
		return form.SubmitOutcome{}, &StatusError{Op: "submit", Status: status, Body: snippet(body)}
	}
}

// ParseFieldErrors extracts field errors from a rejection body.  Accepted
// shapes:
//
//	{"errors": {"kode_barang": "taken", "cost_price": ["a", "b"]}}
//	{"errors": [{"field": "kode_barang", "message": "taken"}]}
//	{"details": [...]}  or  {"error": {"details": [...]}}
//	{"message": "period closed"}  → form-level (key "")
func ParseFieldErrors(body []byte) form.RemoteErrorMap {
	if !gjson.ValidBytes(body) {
		return nil
	}
	out := form.RemoteErrorMap{}
	add := func(field, msg string) {
		if msg = strings.TrimSpace(msg); msg != "" {
			out[field] = append(out[field], msg)
		}
	}
	addList := func(list gjson.Result) {
		list.ForEach(func(_, item gjson.Result) bool {
			field := item.Get("field").String()
			if field == "" {
				field = item.Get("path").String()
			}
			add(field, item.Get("message").String())
			return true
		})
	}

	root := gjson.ParseBytes(body)
	if errs := root.Get("errors"); errs.IsObject() {
		errs.ForEach(func(key, val gjson.Result) bool {
			if val.IsArray() {
				val.ForEach(func(_, m gjson.Result) bool {
					add(key.String(), m.String())
					return true
				})
				return true
			}
			add(key.String(), val.String())
			return true
		})
	} else if errs.IsArray() {
		addList(errs)
	}
	for _, p := range []string{"details", "error.details"} {
		if d := root.Get(p); d.IsArray() {
			addList(d)
		}
	}

	if len(out) == 0 {
		for _, p := range []string{"message", "error.message", "error"} {
			if r := root.Get(p); r.Type == gjson.String {
				add("", r.String())
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, payload []byte, hdr http.Header) (int, []byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, nil, fmt.Errorf("backend %s: build request: %w", op, err)
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.BackendRequestSeconds.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return 0, nil, fmt.Errorf("backend %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	metrics.BackendRequestSeconds.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, nil, fmt.Errorf("backend %s: read response: %w", op, err)
	}

	c.log.Debugw("backend call", "op", op, "method", method, "path", u.Path,
		"status", resp.StatusCode, "took", time.Since(start))
	return resp.StatusCode, data, nil
}

// snippet trims a response body for errors and logs, cutting on a rune
// boundary so the result stays valid UTF-8.
func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
