package hume

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

	"github.com/google/uuid"
)

// QueryParam is one query string entry. Order is preserved on the wire.
type QueryParam struct {
	Key   string
	Value string
}

// RequestSpec describes one REST call. Build it with NewRequest; a built
// spec is not modified by the Executor and may be reused.
type RequestSpec struct {
	Method  string
	Path    string
	Query   []QueryParam
	Body    any // JSON-encoded unless []byte or io.Reader
	Header  http.Header
	Timeout time.Duration // per attempt; zero means Config.Timeout
}

// RequestOption configures a RequestSpec.
type RequestOption func(*RequestSpec)

// NewRequest builds a RequestSpec.
func NewRequest(method, path string, opts ...RequestOption) RequestSpec {
	r := RequestSpec{Method: method, Path: path}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithQuery appends a query parameter. Empty values are skipped.
func WithQuery(key, value string) RequestOption {
	return func(r *RequestSpec) {
		if value == "" {
			return
		}
		r.Query = append(r.Query[:len(r.Query):len(r.Query)], QueryParam{Key: key, Value: value})
	}
}

// WithBody sets the request body.
func WithBody(body any) RequestOption {
	return func(r *RequestSpec) { r.Body = body }
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *RequestSpec) {
		h := r.Header.Clone()
		if h == nil {
			h = http.Header{}
		}
		h.Add(key, value)
		r.Header = h
	}
}

// WithRequestTimeout overrides the per-attempt timeout.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(r *RequestSpec) { r.Timeout = d }
}

// With returns a copy of r with opts applied.
func (r RequestSpec) With(opts ...RequestOption) RequestSpec {
	r.Query = append([]QueryParam(nil), r.Query...)
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// setQuery returns a copy of r with key replaced by value.
func (r RequestSpec) setQuery(key, value string) RequestSpec {
	q := make([]QueryParam, 0, len(r.Query)+1)
	for _, p := range r.Query {
		if p.Key != key {
			q = append(q, p)
		}
	}
	r.Query = append(q, QueryParam{Key: key, Value: value})
	return r
}

func (r RequestSpec) encodeQuery() string {
	var b strings.Builder
	for i, p := range r.Query {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// CallOption overrides executor settings for a single call.
type CallOption func(*callOptions)

type callOptions struct {
	policy RetryPolicy
}

// WithRetryPolicy overrides the retry policy for one call.
func WithRetryPolicy(p RetryPolicy) CallOption {
	return func(o *callOptions) { o.policy = p }
}

// Executor performs authenticated REST calls with retry, backoff and
// response classification. It is safe for concurrent use.
type Executor struct {
	base      *url.URL
	http      *http.Client
	auth      *Authenticator
	retry     RetryPolicy
	timeout   time.Duration
	breaker   *CircuitBreaker
	observer  Observer
	log       logSink
	userAgent string

	sleep sleepFunc
	now   func() time.Time
}

// NewExecutor creates an Executor from cfg, reading credentials from auth.
func NewExecutor(cfg Config, auth *Authenticator) (*Executor, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, NewConfigError("BaseURL", cfg.BaseURL, "invalid URL format")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		tlsCfg, err := cfg.TLS.build()
		if err != nil {
			return nil, err
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if tlsCfg != nil {
			tr.TLSClientConfig = tlsCfg
		}
		hc = &http.Client{Transport: tr}
	}
	e := &Executor{
		base:      base,
		http:      hc,
		auth:      auth,
		retry:     *cfg.Retry,
		timeout:   cfg.Timeout,
		observer:  observerOrNop(cfg.Observer),
		log:       newLogSink(&cfg).with(map[string]any{"component": "executor"}),
		userAgent: cfg.UserAgent,
		sleep:     sleepCtx,
		now:       time.Now,
	}
	if cfg.CircuitBreaker != nil {
		e.breaker = NewCircuitBreaker(*cfg.CircuitBreaker)
	}
	return e, nil
}

// Do performs the call and decodes a 2xx JSON body into out. A nil out
// discards the body.
func (e *Executor) Do(ctx context.Context, spec RequestSpec, out any, opts ...CallOption) error {
	raw, err := e.DoRaw(ctx, spec, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{What: "response body", Raw: raw, Err: err}
	}
	return nil
}

// Execute is Do with the response type as a type parameter.
func Execute[T any](ctx context.Context, e *Executor, spec RequestSpec, opts ...CallOption) (T, error) {
	var out T
	err := e.Do(ctx, spec, &out, opts...)
	return out, err
}

// DoRaw performs the call and returns the 2xx body bytes.
func (e *Executor) DoRaw(ctx context.Context, spec RequestSpec, opts ...CallOption) ([]byte, error) {
	_, raw, err := e.run(ctx, spec, opts, false)
	return raw, err
}

// Stream performs the call and returns the live body of a 2xx response.
// Retries cover the initial status only; the caller must close the body.
func (e *Executor) Stream(ctx context.Context, spec RequestSpec, opts ...CallOption) (io.ReadCloser, error) {
	resp, _, err := e.run(ctx, spec, opts, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (e *Executor) run(ctx context.Context, spec RequestSpec, opts []CallOption, stream bool) (*http.Response, []byte, error) {
	o := callOptions{policy: e.retry}
	for _, opt := range opts {
		opt(&o)
	}
	policy := o.policy
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	body, contentType, err := encodeBody(spec.Body)
	if err != nil {
		return nil, nil, err
	}
	requestID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		if err := cancelled(ctx); err != nil {
			return nil, nil, err
		}
		// Fails with an AuthError before any network I/O.
		cred, err := e.auth.RefreshIfNeeded(ctx)
		if err != nil {
			return nil, nil, err
		}

		start := e.now()
		var (
			resp       *http.Response
			raw        []byte
			retryAfter time.Duration
		)
		op := func() error {
			var opErr error
			resp, raw, opErr = e.attempt(ctx, spec, cred, body, contentType, requestID, stream)
			if resp != nil {
				retryAfter = parseRetryAfter(resp.Header, e.now())
			}
			return opErr
		}
		if e.breaker != nil {
			err = e.breaker.Execute(op)
		} else {
			err = op()
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		retryable := false
		var transportErr *TransportError
		switch {
		case err == nil, errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrCancelled):
		case errors.As(err, &transportErr):
			retryable = policy.RetryTransport
		case status != 0:
			retryable = policy.retryableStatus(status)
		}
		last := attempt >= policy.MaxAttempts
		var delay time.Duration
		if retryable && !last {
			delay = policy.delay(attempt, retryAfter)
		}

		if err != nil && (!retryable || last) && status == http.StatusTooManyRequests {
			err = &RateLimitError{RetryAfter: retryAfter}
		}

		ev := AttemptEvent{
			RequestID: requestID,
			Method:    spec.Method,
			Path:      spec.Path,
			Attempt:   attempt,
			Status:    status,
			Elapsed:   e.now().Sub(start),
			Delay:     delay,
			Err:       err,
		}
		e.observer.OnAttempt(ev)
		e.log.debug("request_attempt", map[string]any{
			"request_id": requestID,
			"method":     spec.Method,
			"path":       spec.Path,
			"attempt":    attempt,
			"status":     status,
			"delay_ms":   delay.Milliseconds(),
		})

		if err == nil {
			return resp, raw, nil
		}
		if !retryable || last {
			if retryable {
				e.log.warn("request_retries_exhausted", map[string]any{
					"request_id": requestID, "path": spec.Path, "attempts": attempt, "err": err,
				})
			}
			return nil, nil, err
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
}

// attempt performs a single HTTP round trip. On a 2xx the returned error is
// nil; otherwise it is classified as *APIError, *TransportError or
// *CancelledError.
func (e *Executor) attempt(ctx context.Context, spec RequestSpec, cred Credential, body []byte, contentType, requestID string, stream bool) (*http.Response, []byte, error) {
	timeout := spec.Timeout
	if timeout == 0 && !stream {
		timeout = e.timeout
	}
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	u := *e.base
	u.Path = joinURLPath(u.Path, spec.Path)
	u.RawQuery = spec.encodeQuery()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, spec.Method, u.String(), rdr)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("hume: build request: %w", err)
	}
	for k, vals := range spec.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("X-Request-Id", requestID)
	cred.apply(req.Header)

	resp, err := e.http.Do(req)
	if err != nil {
		cancel()
		if ctxErr := cancelled(ctx); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, &TransportError{Op: spec.Method, URL: u.String(), Err: err}
	}

	if resp.StatusCode/100 == 2 && stream {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil, nil
	}

	raw, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	cancel()
	if readErr != nil {
		if ctxErr := cancelled(ctx); ctxErr != nil {
			return resp, nil, ctxErr
		}
		return resp, nil, &TransportError{Op: "read body", URL: u.String(), Err: readErr}
	}
	if resp.StatusCode/100 == 2 {
		return resp, raw, nil
	}
	return resp, nil, newAPIError(resp.StatusCode, raw)
}

func newAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status, Body: string(raw)}
	var details struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    any    `json:"code"`
		Fault   *struct {
			FaultString string `json:"faultstring"`
		} `json:"fault"`
	}
	if json.Unmarshal(raw, &details) == nil {
		switch {
		case details.Message != "":
			apiErr.Message = details.Message
		case details.Error != "":
			apiErr.Message = details.Error
		case details.Fault != nil:
			apiErr.Message = details.Fault.FaultString
		}
		if details.Code != nil {
			apiErr.Code = fmt.Sprint(details.Code)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	}
	return apiErr
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/octet-stream", nil
	case io.Reader:
		raw, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("hume: read request body: %w", err)
		}
		return raw, "application/octet-stream", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("hume: encode request body: %w", err)
		}
		return raw, "application/json", nil
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
