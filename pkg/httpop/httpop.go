// Package httpop performs one paced, retried HTTP request per work item.
package httpop

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

	"github.com/shaneisley/quotaq/pkg/backoff"
	"github.com/shaneisley/quotaq/pkg/classify"
	"github.com/shaneisley/quotaq/pkg/clock"
	"github.com/shaneisley/quotaq/pkg/conditions"
	"github.com/shaneisley/quotaq/pkg/executor"
	"github.com/shaneisley/quotaq/pkg/logging"
	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/shaneisley/quotaq/pkg/ratelimit"
)

const (
	DefaultMaxRetryAfter = 30 * time.Minute
	DefaultQuotaCooldown = 5 * time.Minute

	// maxBodyBytes bounds how much of a response is read for error details
	maxBodyBytes = 64 << 10
)

// Config describes the request made for each item.
// URL and Body may reference {id}, {subject_id}, {subject_name}, {kind}
// and any item param by name.
type Config struct {
	ResourceKey string
	Method      string
	URL         string
	Body        string
	Headers     map[string]string

	// Timeout bounds each attempt; zero means no timeout
	Timeout       time.Duration
	MaxRetryAfter time.Duration

	// QuotaCooldown applies when a quota response carries no retry hint
	QuotaCooldown time.Duration

	// SuccessPattern must appear in a 2xx body when set
	SuccessPattern string

	// FailurePattern fails any response whose body matches
	FailurePattern  string
	CaseInsensitive bool
}

// Validate checks the request template
func (c Config) Validate() error {
	if c.ResourceKey == "" {
		return ratelimit.ErrEmptyKey
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", c.Timeout)
	}
	return nil
}

// Operation sends item requests through a shared limiter and retry executor
type Operation struct {
	cfg        Config
	client     *http.Client
	limiter    *ratelimit.Limiter
	executor   *executor.Executor
	checker    *conditions.Checker
	classifier *classify.Classifier
	retryAfter *backoff.RetryAfter
	logger     *logging.Logger
}

// Option configures an Operation
type Option func(*Operation)

// WithClient replaces the default HTTP client
func WithClient(client *http.Client) Option {
	return func(o *Operation) {
		o.client = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *Operation) {
		o.logger = logger.WithComponent("httpop")
	}
}

// WithClassifier sets the classifier used for ambiguous responses
func WithClassifier(c *classify.Classifier) Option {
	return func(o *Operation) {
		o.classifier = c
	}
}

// WithClock sets the clock used to resolve HTTP-date retry hints
func WithClock(c clock.Clock) Option {
	return func(o *Operation) {
		o.retryAfter = o.retryAfter.WithClock(c.Now)
	}
}

// New creates an Operation. limiter and exec must be non-nil.
func New(cfg Config, limiter *ratelimit.Limiter, exec *executor.Executor, opts ...Option) (*Operation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http operation config: %w", err)
	}
	if limiter == nil || exec == nil {
		return nil, errors.New("limiter and executor are required")
	}

	checker, err := conditions.NewChecker(cfg.SuccessPattern, cfg.FailurePattern, cfg.CaseInsensitive)
	if err != nil {
		return nil, fmt.Errorf("invalid http operation config: %w", err)
	}

	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = DefaultMaxRetryAfter
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = DefaultQuotaCooldown
	}

	o := &Operation{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		executor:   exec,
		checker:    checker,
		classifier: classify.Default(),
		retryAfter: backoff.NewRetryAfter(cfg.MaxRetryAfter),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Do performs the request for item. It has the queue.Operation signature.
func (o *Operation) Do(ctx context.Context, item queue.WorkItem) error {
	logger := o.logger.WithResource(o.cfg.ResourceKey).WithItem(item.ID)
	return o.executor.Do(ctx, func(ctx context.Context) error {
		return o.attempt(ctx, item, logger)
	})
}

func (o *Operation) attempt(ctx context.Context, item queue.WorkItem, logger *logging.Logger) error {
	decision, err := o.limiter.Acquire(ctx, o.cfg.ResourceKey)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return classify.Quotaf(decision.RetryAfter, "resource %s: %s", o.cfg.ResourceKey, decision.Reason)
	}

	req, err := o.newRequest(ctx, item)
	if err != nil {
		return classify.New(classify.Validation, err)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		logger.Debug("request failed", "error", err.Error())
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.Debug("response body read failed", "status", resp.StatusCode, "error", err.Error())
		return classify.Transientf("reading response body (status %d): %w", resp.StatusCode, err)
	}
	logger.Debug("response received",
		"status", resp.StatusCode,
		"duration", time.Since(start).String(),
		"waited", decision.Waited.String())

	result := o.checker.Check(resp.StatusCode, string(body))
	if result.Success {
		return nil
	}
	return o.responseError(resp, body, result.Reason, logger)
}

func (o *Operation) responseError(resp *http.Response, body []byte, reason string, logger *logging.Logger) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	if reason != fmt.Sprintf("status %d", resp.StatusCode) {
		cause = fmt.Errorf("status %d, %s: %s", resp.StatusCode, reason, detail)
	}

	kind := classify.FromStatus(resp.StatusCode)
	if kind == classify.Unknown {
		kind = o.classifier.Classify(cause)
	}

	typed := &classify.Error{Kind: kind, Err: cause, StatusCode: resp.StatusCode}
	if kind == classify.Quota || kind == classify.Transient {
		typed.RetryAfter = o.retryAfter.FromResponse(resp.Header, body)
	}

	if kind == classify.Quota {
		cooldown := typed.RetryAfter
		if cooldown <= 0 {
			cooldown = o.cfg.QuotaCooldown
		}
		o.limiter.MarkExhausted(o.cfg.ResourceKey, cooldown)
		logger.Warn("quota exhausted", "status", resp.StatusCode, "cooldown", cooldown.String())
	}
	return typed
}

func (o *Operation) newRequest(ctx context.Context, item queue.WorkItem) (*http.Request, error) {
	target := expand(o.cfg.URL, item, url.PathEscape)
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", target, err)
	}

	var body io.Reader
	contentType := ""
	switch {
	case o.cfg.Body != "":
		body = strings.NewReader(expand(o.cfg.Body, item, nil))
	case o.cfg.Method != http.MethodGet && o.cfg.Method != http.MethodHead:
		payload, err := json.Marshal(requestPayload(item))
		if err != nil {
			return nil, fmt.Errorf("failed to encode item: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, o.cfg.Method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range o.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

type payload struct {
	ID          string            `json:"id"`
	SubjectID   string            `json:"subject_id"`
	SubjectName string            `json:"subject_name,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

func requestPayload(item queue.WorkItem) payload {
	return payload{
		ID:          item.ID,
		SubjectID:   item.SubjectID,
		SubjectName: item.SubjectName,
		Kind:        item.Kind,
		Params:      item.Params,
	}
}

// expand substitutes item placeholders in tmpl. escape is applied to each
// substituted value when non-nil.
func expand(tmpl string, item queue.WorkItem, escape func(string) string) string {
	if escape == nil {
		escape = func(s string) string { return s }
	}

	// built-in names come first so a param of the same name cannot shadow them
	pairs := []string{
		"{id}", escape(item.ID),
		"{subject_id}", escape(item.SubjectID),
		"{subject_name}", escape(item.SubjectName),
		"{kind}", escape(item.Kind),
	}
	for k, v := range item.Params {
		pairs = append(pairs, "{"+k+"}", escape(v))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
