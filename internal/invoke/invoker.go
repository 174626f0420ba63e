// Package invoke executes declared tool calls against third-party HTTP APIs:
// URL expansion, authentication, body encoding, retry, timeout, response
// parsing and caching.
package invoke

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/cache"
	"github.com/alecgard/agentdeck/internal/ratelimit"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/retry"
)

// Defaults for Options fields left zero.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxResponseSize = 10 << 20
)

// MetricsRecorder is an optional interface for recording invocation metrics.
type MetricsRecorder interface {
	IncToolAttempt(toolID, outcome string)
	IncCacheLookup(result string)
	ObserveToolDuration(toolID string, seconds float64)
}

// Options configures an Invoker.
type Options struct {
	Client          *http.Client
	Cache           *cache.Cache
	DefaultTimeout  time.Duration
	MaxResponseSize int64
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// Invoker runs tool calls. It is safe for concurrent use.
type Invoker struct {
	client          *http.Client
	cache           *cache.Cache
	tokens          *tokenSources
	schemas         *schemas
	defaultTimeout  time.Duration
	maxResponseSize int64
	retryBase       time.Duration
	retryMax        time.Duration
	metrics         MetricsRecorder
	limiter         *ratelimit.Limiter
}

// New creates an Invoker.
func New(opts Options) *Invoker {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = DefaultMaxResponseSize
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.DefaultCapacity)
	}
	return &Invoker{
		client:          client,
		cache:           c,
		tokens:          newTokenSources(client),
		schemas:         newSchemas(),
		defaultTimeout:  opts.DefaultTimeout,
		maxResponseSize: opts.MaxResponseSize,
		retryBase:       opts.RetryBaseDelay,
		retryMax:        opts.RetryMaxDelay,
	}
}

// SetMetrics sets the optional metrics recorder.
func (inv *Invoker) SetMetrics(m MetricsRecorder) {
	inv.metrics = m
}

// SetRateLimiter enables enforcement of per-tool rate limits.
func (inv *Invoker) SetRateLimiter(l *ratelimit.Limiter) {
	inv.limiter = l
}

// Invoke executes one call of tool with input, which must be a JSON object.
func (inv *Invoker) Invoke(ctx context.Context, tool *registry.ToolDefinition, input any) (any, error) {
	obj, ok := asObject(input)
	if !ok {
		return nil, apperr.New(apperr.Validation, "tool input must be a JSON object").
			WithUserMessage("Tool input must be a JSON object.")
	}

	scope := toolScope(tool)
	var cacheKey string
	if tool.Cache.Enabled {
		cacheKey = cache.Key(tool.OrganizationID, tool.ID, obj)
		if v, hit := inv.cache.Get(cacheKey); hit {
			inv.recordCache("hit")
			return v, nil
		}
		inv.recordCache("miss")
	}

	if tool.Validation.Enabled {
		if err := inv.schemas.validateInput(scope, tool.InputSchema, obj); err != nil {
			return nil, err
		}
	}
	if err := checkAuth(tool.ID, tool.Auth); err != nil {
		return nil, err
	}
	if inv.limiter != nil && tool.RateLimit > 0 {
		d := inv.limiter.Allow("tool|"+scope, tool.RateLimit)
		if !d.Allowed {
			return nil, apperr.Newf(apperr.RateLimitExceeded, "tool %s exceeded %d calls per window", tool.ID, tool.RateLimit).
				WithUserMessage("The tool's rate limit was exceeded. Try again later.")
		}
	}

	req, err := inv.prepare(tool, obj)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var result any
	err = retry.Do(ctx, retry.Policy{
		Attempts:     tool.Attempts(),
		InitialDelay: inv.retryBase,
		MaxDelay:     inv.retryMax,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			slog.Info("retrying tool call",
				"tool_id", tool.ID,
				"attempt", attempt,
				"kind", apperr.KindOf(err),
				"delay", delay,
			)
		},
	}, func(ctx context.Context, _ int) error {
		v, err := inv.attempt(ctx, tool, req)
		inv.recordAttempt(tool.ID, err)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if inv.metrics != nil {
		inv.metrics.ObserveToolDuration(tool.ID, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("tool call failed",
			"tool_id", tool.ID,
			"url", req.redactedURL(),
			"kind", apperr.KindOf(err),
			"error", err,
		)
		return nil, err
	}

	if cacheKey != "" {
		ttl := tool.Cache.TTL
		if ttl <= 0 {
			ttl = registry.DefaultCacheTTL
		}
		inv.cache.Set(cacheKey, result, time.Duration(ttl)*time.Second)
	}
	return result, nil
}

// toolScope identifies a tool across organizations. Tool ids are only unique
// within one organization.
func toolScope(tool *registry.ToolDefinition) string {
	return tool.OrganizationID + "|" + tool.ID
}

// request is the method, URL and body shared by every attempt.
type request struct {
	method      string
	url         *url.URL
	body        []byte
	contentType string
	secrets     []string
}

func (r *request) redactedURL() string {
	return RedactURL(r.url.String(), r.secrets...)
}

func (inv *Invoker) prepare(tool *registry.ToolDefinition, input map[string]any) (*request, error) {
	method := strings.ToUpper(tool.HTTPMethod())
	mapped := mapFields(tool.Transform, input)

	u, rest, err := buildURL(tool, method, mapped)
	if err != nil {
		return nil, err
	}

	r := &request{method: method, url: u, contentType: contentJSON, secrets: secretNames(tool.Auth)}
	if method != http.MethodGet {
		raw, err := renderTemplate(tool.Transform, mapped)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			r.body = raw
			r.contentType = defaultContentType(tool.Format())
		} else {
			r.body, r.contentType, err = encodeBody(tool.Format(), rest)
			if err != nil {
				return nil, err
			}
		}
	}
	if tool.ContentType != "" {
		r.contentType = tool.ContentType
	}
	return r, nil
}

// attempt performs one HTTP exchange, racing it against the tool timeout.
// On timeout the in-flight request is canceled and its result discarded.
func (inv *Invoker) attempt(ctx context.Context, tool *registry.ToolDefinition, r *request) (any, error) {
	timeout := tool.Timeout(inv.defaultTimeout)
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := inv.send(attemptCtx, tool, r)
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
		return nil, apperr.Newf(apperr.Timeout, "tool %s did not respond within %s", tool.ID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (inv *Invoker) send(ctx context.Context, tool *registry.ToolDefinition, r *request) (any, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	u := *r.url
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Configuration, err, "building tool request")
	}

	for k, v := range tool.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", r.contentType)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/plain, */*")
	}
	if err := inv.applyAuth(ctx, req, tool, tool.Auth); err != nil {
		return nil, err
	}
	target := RedactURL(req.URL.String(), r.secrets...)

	resp, err := inv.client.Do(req)
	if err != nil {
		class := classifyTransportError(err)
		if class == "canceled" || class == "timeout" {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
		return nil, apperr.Newf(apperr.Network, "request to %s failed (%s)", target, class)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError(resp, target, r.secrets)
	}
	return parseResponse(resp, inv.maxResponseSize, r.secrets)
}

func (inv *Invoker) recordCache(result string) {
	if inv.metrics != nil {
		inv.metrics.IncCacheLookup(result)
	}
}

func (inv *Invoker) recordAttempt(toolID string, err error) {
	if inv.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(apperr.KindOf(err)))
	}
	inv.metrics.IncToolAttempt(toolID, outcome)
}
