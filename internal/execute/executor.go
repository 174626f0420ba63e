// Package execute runs deployed agents: one snapshot read, one agent build
// and one runtime invocation per call, guarded by in-flight deduplication and
// per-caller rate limits.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/deploy"
	"github.com/alecgard/agentdeck/internal/metering"
	"github.com/alecgard/agentdeck/internal/ratelimit"
	"github.com/alecgard/agentdeck/internal/runtime"
)

// Stage names used for spans and metrics.
const (
	StageRateLimit    = "rate_limit"
	StageSnapshotLoad = "snapshot_load"
	StageAgentBuild   = "agent_build"
	StageInvoke       = "invoke"
	StageTotal        = "total"
)

// SnapshotLoader reads the deployed snapshot of an agent.
type SnapshotLoader interface {
	Load(ctx context.Context, orgID, agentID string) (*deploy.Snapshot, error)
}

// Recorder receives one record per finished execution.
type Recorder interface {
	Record(e metering.Execution)
}

// MetricsRecorder is the metrics surface the executor reports to.
type MetricsRecorder interface {
	ObserveStage(stage string, seconds float64)
	IncExecution(outcome string)
	IncRejection(reason string)
}

// Timings are the per-stage measurements of one execution.
type Timings struct {
	RateLimitAllowed   bool    `json:"rateLimitAllowed"`
	RateLimitRemaining int     `json:"rateLimitRemaining"`
	SnapshotLoadMs     float64 `json:"snapshotLoadMs"`
	AgentBuildMs       float64 `json:"agentBuildMs"`
	InvokeMs           float64 `json:"invokeMs"`
	TotalMs            float64 `json:"totalMs"`
}

// Result is the response to one execution.
type Result struct {
	ExecutionID     string               `json:"executionId"`
	Text            string               `json:"text"`
	ToolCalls       []runtime.ToolCall   `json:"toolCalls"`
	ToolResults     []runtime.ToolResult `json:"toolResults"`
	FinishReason    string               `json:"finishReason"`
	Usage           runtime.Usage        `json:"usage"`
	Steps           int                  `json:"steps"`
	SnapshotVersion int                  `json:"snapshotVersion"`
	Warnings        []string             `json:"warnings,omitempty"`
	Timings         Timings              `json:"timings"`
}

// Status describes the executor's in-memory state.
type Status struct {
	RunningExecutions  int `json:"runningExecutions"`
	RateLimiterEntries int `json:"rateLimiterEntries"`
}

// Executor is the fast execution path. The dedup set and rate limiter are
// owned by the Executor instance.
type Executor struct {
	loader   SnapshotLoader
	resolver deploy.Resolver
	limiter  *ratelimit.Limiter
	factory  runtime.Factory
	recorder Recorder
	metrics  MetricsRecorder
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates an Executor. A nil limiter gets the default tiers.
func New(loader SnapshotLoader, resolver deploy.Resolver, limiter *ratelimit.Limiter) *Executor {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultWindow, nil)
	}
	return &Executor{
		loader:   loader,
		resolver: resolver,
		limiter:  limiter,
		factory:  runtime.New,
		tracer:   otel.Tracer("github.com/alecgard/agentdeck/internal/execute"),
		now:      time.Now,
		running:  make(map[string]struct{}),
	}
}

// SetFactory replaces the agent runtime.
func (e *Executor) SetFactory(f runtime.Factory) { e.factory = f }

// SetRecorder sets where execution records are sent.
func (e *Executor) SetRecorder(r Recorder) { e.recorder = r }

// SetMetrics sets the metrics recorder.
func (e *Executor) SetMetrics(m MetricsRecorder) { e.metrics = m }

// SetClock replaces the time source. Intended for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Status reports the number of executions in flight and of tracked rate
// limit keys.
func (e *Executor) Status() Status {
	e.mu.Lock()
	running := len(e.running)
	e.mu.Unlock()
	return Status{RunningExecutions: running, RateLimiterEntries: e.limiter.Len()}
}

func (e *Executor) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[key]; busy {
		return false
	}
	e.running[key] = struct{}{}
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.running, key)
	e.mu.Unlock()
}

// Execute runs a deployed agent once.
func (e *Executor) Execute(ctx context.Context, agentID string, caller Caller, req *Request) (res *Result, err error) {
	start := e.now()
	rec := metering.Execution{
		ID:             uuid.NewString(),
		OrganizationID: caller.OrganizationID,
		AgentID:        agentID,
		CallerID:       caller.CallerID,
		Tier:           caller.Tier,
		Environment:    caller.Environment,
		Timestamp:      start.UTC(),
	}
	var timings Timings

	ctx, span := e.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("agentdeck.organization_id", caller.OrganizationID),
		attribute.String("agentdeck.agent_id", agentID),
		attribute.String("agentdeck.caller_id", caller.CallerID),
		attribute.String("agentdeck.tier", caller.Tier),
	))
	defer func() {
		timings.TotalMs = ms(e.now().Sub(start))
		rec.TotalMs = timings.TotalMs
		e.observe(StageTotal, timings.TotalMs)
		e.finish(&rec, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		}
		span.End()
		if res != nil {
			res.Timings = timings
		}
	}()

	message, history, err := req.input()
	if err != nil {
		return nil, err
	}

	key := dedupKey(caller, agentID, req)
	if !e.acquire(key) {
		e.reject("in_progress")
		return nil, apperr.Newf(apperr.ExecutionInProgress, "execution of agent %s is already in progress for caller %s", agentID, caller.CallerID)
	}
	defer e.release(key)

	_, rlSpan := e.tracer.Start(ctx, "agent.rate_limit")
	d := e.limiter.AllowTier(ratelimit.Key(caller.OrganizationID, caller.CallerID), caller.Tier)
	rlSpan.SetAttributes(attribute.Bool("agentdeck.allowed", d.Allowed), attribute.Int("agentdeck.remaining", d.Remaining))
	rlSpan.End()
	timings.RateLimitAllowed = d.Allowed
	timings.RateLimitRemaining = d.Remaining
	if !d.Allowed {
		e.reject("rate_limited")
		return nil, apperr.Newf(apperr.RateLimitExceeded, "caller %s exceeded %d executions per window (resets %s)",
			caller.CallerID, d.Limit, d.ResetAt.UTC().Format(time.RFC3339))
	}

	stageStart := e.now()
	loadCtx, loadSpan := e.tracer.Start(ctx, "agent.snapshot_load")
	snap, err := e.loader.Load(loadCtx, caller.OrganizationID, agentID)
	loadSpan.End()
	timings.SnapshotLoadMs = ms(e.now().Sub(stageStart))
	rec.SnapshotLoadMs = timings.SnapshotLoadMs
	e.observe(StageSnapshotLoad, timings.SnapshotLoadMs)
	if err != nil {
		return nil, err
	}
	rec.SnapshotVersion = snap.Version

	stageStart = e.now()
	_, buildSpan := e.tracer.Start(ctx, "agent.build")
	cfg, warnings, err := e.build(snap, caller)
	buildSpan.SetAttributes(attribute.Int("agentdeck.tools", len(cfg.Tools)))
	buildSpan.End()
	timings.AgentBuildMs = ms(e.now().Sub(stageStart))
	rec.AgentBuildMs = timings.AgentBuildMs
	e.observe(StageAgentBuild, timings.AgentBuildMs)
	if err != nil {
		return nil, err
	}

	in := runtime.Input{
		Message:     message,
		History:     history,
		MaxSteps:    req.Options.MaxSteps,
		Temperature: req.Options.Temperature,
	}
	if m := req.Options.Memory; m != nil {
		in.Thread = m.Thread
		in.Resource = m.Resource
	}

	stageStart = e.now()
	invokeCtx, invokeSpan := e.tracer.Start(ctx, "agent.invoke")
	out, err := e.factory(cfg).Generate(invokeCtx, in)
	invokeSpan.End()
	timings.InvokeMs = ms(e.now().Sub(stageStart))
	rec.InvokeMs = timings.InvokeMs
	e.observe(StageInvoke, timings.InvokeMs)
	if err != nil {
		return nil, fmt.Errorf("executing agent %s: %w", agentID, err)
	}

	rec.FinishReason = out.FinishReason
	rec.Steps = out.Steps
	rec.ToolCalls = len(out.ToolCalls)
	rec.PromptTokens = out.Usage.PromptTokens
	rec.CompletionTokens = out.Usage.CompletionTokens

	return &Result{
		ExecutionID:     rec.ID,
		Text:            out.Text,
		ToolCalls:       out.ToolCalls,
		ToolResults:     out.ToolResults,
		FinishReason:    out.FinishReason,
		Usage:           out.Usage,
		Steps:           out.Steps,
		SnapshotVersion: snap.Version,
		Warnings:        warnings,
	}, nil
}

// build assembles the runtime config, preferring handles attached to the
// snapshot. A tool, memory or voice that fails to resolve is left out with a
// warning; a model that fails to resolve fails the execution.
func (e *Executor) build(snap *deploy.Snapshot, caller Caller) (runtime.Config, []string, error) {
	cfg := runtime.Config{
		Name:         snap.Name,
		Instructions: instructions(snap.Instructions, caller),
	}
	var warnings []string
	warn := func(msg string, err error) {
		warnings = append(warnings, msg+": "+apperr.SafeMessage(err))
		slog.Warn(msg, "agent_id", snap.AgentID, "error", err)
	}

	h := snap.Handles
	if h == nil {
		h = &deploy.Handles{}
	}

	cfg.Model = h.Model
	if cfg.Model == nil {
		m, err := e.resolver.Model(snap.Model)
		if err != nil {
			return cfg, nil, fmt.Errorf("resolving model for agent %s: %w", snap.AgentID, err)
		}
		cfg.Model = m
	}

	for i := range snap.Tools {
		ts := &snap.Tools[i]
		if ts.Handle != nil {
			cfg.Tools = append(cfg.Tools, ts.Handle)
			continue
		}
		t, err := e.resolver.Tool(&ts.ToolDefinition)
		if err != nil {
			warn("tool "+ts.ID+" omitted", err)
			continue
		}
		cfg.Tools = append(cfg.Tools, t)
	}

	cfg.Memory = h.Memory
	if cfg.Memory == nil {
		mem, err := e.resolver.Memory(snap.OrganizationID, snap.AgentID, snap.Memory)
		if err != nil {
			warn("memory disabled", err)
		} else {
			cfg.Memory = mem
		}
	}

	cfg.Voice = h.Voice
	if cfg.Voice == nil {
		v, err := e.resolver.Voice(snap.Voice)
		if err != nil {
			warn("voice disabled", err)
		} else {
			cfg.Voice = v
		}
	}
	return cfg, warnings, nil
}

func (e *Executor) finish(rec *metering.Execution, err error) {
	switch {
	case err == nil:
		rec.Outcome = metering.OutcomeSuccess
	case apperr.Is(err, apperr.ExecutionInProgress), apperr.Is(err, apperr.RateLimitExceeded):
		rec.Outcome = metering.OutcomeRejected
		rec.ErrorKind = string(apperr.KindOf(err))
	default:
		rec.Outcome = metering.OutcomeError
		rec.ErrorKind = string(apperr.KindOf(err))
		slog.Error("agent execution failed",
			"organization_id", rec.OrganizationID,
			"agent_id", rec.AgentID,
			"caller_id", rec.CallerID,
			"kind", rec.ErrorKind,
			"error", err,
		)
	}
	if e.metrics != nil {
		e.metrics.IncExecution(rec.Outcome)
	}
	if e.recorder != nil {
		e.recorder.Record(*rec)
	}
}

func (e *Executor) observe(stage string, millis float64) {
	if e.metrics != nil {
		e.metrics.ObserveStage(stage, millis/1000)
	}
}

func (e *Executor) reject(reason string) {
	if e.metrics != nil {
		e.metrics.IncRejection(reason)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
