/*
Package gateway dispatches named tool invocations to backend services.

Every call goes through the same pipeline: registry lookup and argument
validation, the result cache, then an attempt loop that asks the service's
circuit breaker for permission, borrows a pooled channel and calls the
backend under a per-call timeout. Transient failures are retried by the
retry policy; everything else is returned at once as an *Error.
*/
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/cache"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/metrics"
	"github.com/khanglvm/bi-gateway/internal/pool"
	"github.com/khanglvm/bi-gateway/internal/registry"
	"github.com/khanglvm/bi-gateway/internal/retry"
)

const (
	DefaultCallTimeout = 30 * time.Second

	tracerName = "github.com/khanglvm/bi-gateway/internal/gateway"

	// Longest result text kept in a chat turn.
	maxTurnText = 500
)

// Origin says where an invocation came from.
type Origin string

const (
	// OriginDirect calls come from dashboards and scripts.
	OriginDirect Origin = "direct"
	// OriginChat calls are made on behalf of a chat conversation and are
	// recorded in the conversation log.
	OriginChat Origin = "chat"
)

// Request is one tool invocation.
type Request struct {
	Service string                 `json:"service"`
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args"`
	Origin  Origin                 `json:"origin,omitempty"`
}

// Result is a successful invocation.
type Result struct {
	CallID   string          `json:"call_id"`
	Service  string          `json:"service"`
	Tool     string          `json:"tool"`
	Payload  json.RawMessage `json:"payload"`
	Text     string          `json:"text"`
	Cached   bool            `json:"cached"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
}

// PoolSource finds the connection pool for a service.
type PoolSource interface {
	Get(service string) (*pool.Pool, bool)
}

// Recorder receives one outcome per finished invocation.
type Recorder interface {
	RecordAttempt(service, tool string, outcome metrics.Outcome, latency time.Duration, err error)
}

// Options wires a Dispatcher. Registry, Pools and Breakers are required.
type Options struct {
	Registry *registry.Registry
	Pools    PoolSource
	Breakers *breaker.Set

	// Cache is optional; nil disables result caching.
	Cache    *cache.Cache
	CacheTTL time.Duration

	// Memory is optional; nil disables entity extraction and chat turns.
	Memory *memory.Memory

	Metrics Recorder
	Retry   retry.Policy

	// CallTimeout bounds one backend call. A timeout is a transient failure.
	CallTimeout time.Duration

	Tracer trace.Tracer
	Logger *slog.Logger
}

// Dispatcher executes tool invocations. It is safe for concurrent use.
type Dispatcher struct {
	registry    *registry.Registry
	pools       PoolSource
	breakers    *breaker.Set
	cache       *cache.Cache
	cacheTTL    time.Duration
	memory      *memory.Memory
	metrics     Recorder
	retry       retry.Policy
	callTimeout time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
}

// New creates a Dispatcher. A zero retry policy selects retry.Default with
// IsTransient as the classifier.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil || opts.Pools == nil || opts.Breakers == nil {
		return nil, errors.New("gateway: registry, pools and breakers are required")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.Default(IsTransient)
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = IsTransient
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Dispatcher{
		registry:    opts.Registry,
		pools:       opts.Pools,
		breakers:    opts.Breakers,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		memory:      opts.Memory,
		metrics:     opts.Metrics,
		retry:       opts.Retry,
		callTimeout: opts.CallTimeout,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
	}, nil
}

// Registry returns the tool registry the dispatcher validates against.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Invoke runs one tool invocation to completion. Failures are always
// returned as *Error.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	callID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("bigw.service", req.Service),
		attribute.String("bigw.tool", req.Tool),
		attribute.String("bigw.call_id", callID),
		attribute.String("bigw.origin", string(req.Origin)),
	))
	defer span.End()

	logger := d.logger.With("service", req.Service, "tool", req.Tool, "call_id", callID)

	desc, err := d.registry.Lookup(req.Service, req.Tool)
	if err != nil {
		gerr := newError(KindUnknownTool, req, err)
		return nil, d.fail(span, logger, gerr)
	}

	if err := d.registry.Validate(desc, req.Args); err != nil {
		gerr := newError(KindValidation, req, err)
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			gerr.Fields = verr.Fields
		}
		d.record(req, metrics.OutcomeInvalid, time.Since(start), gerr)
		return nil, d.fail(span, logger, gerr)
	}

	var cacheKey string
	if desc.Cacheable() && d.cache != nil {
		cacheKey, err = cache.Key(req.Service, req.Tool, req.Args)
		if err != nil {
			logger.Warn("cache key failed, bypassing cache", "error", err)
		} else if payload, ok := d.cache.Get(ctx, cacheKey); ok {
			res := d.result(callID, req, payload, 0, start)
			res.Cached = true
			span.SetAttributes(attribute.Bool("bigw.cached", true))
			d.record(req, metrics.OutcomeCacheHit, res.Duration, nil)
			d.recordTurn(req, res)
			logger.Debug("cache hit")
			return res, nil
		}
	}

	br := d.breakers.Get(req.Service)
	p, ok := d.pools.Get(req.Service)
	if !ok {
		gerr := newError(KindTransient, req, fmt.Errorf("no backend configured for service %q", req.Service))
		d.record(req, metrics.OutcomeTransient, time.Since(start), gerr)
		return nil, d.fail(span, logger, gerr)
	}

	var (
		payload  json.RawMessage
		attempts int
	)
	err = d.retry.Do(ctx, func(attempt int) error {
		attempts = attempt
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("bigw.attempt", attempt)))
		out, err := d.attempt(ctx, req, br, p)
		if err != nil {
			if desc.Mutating && errors.Is(err, errCallTimeout) {
				// The write may have landed; repeating it could apply it twice.
				return retry.Stop(err)
			}
			return err
		}
		payload = out
		return nil
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn("backend call failed, retrying", "attempt", attempt, "next_in", next, "error", err)
	})
	span.SetAttributes(attribute.Int("bigw.attempts", attempts))

	if err != nil {
		gerr := d.classify(ctx, req, err)
		gerr.Attempts = attempts
		switch gerr.Kind {
		case KindCircuitOpen:
			gerr.RetryLater = true
		case KindTransient:
			gerr.RetryLater = br.State().Phase != breaker.Closed
		}
		d.record(req, outcomeFor(gerr.Kind), time.Since(start), gerr)
		return nil, d.fail(span, logger, gerr)
	}

	if cacheKey != "" {
		d.cache.Put(ctx, cacheKey, payload, d.cacheTTL)
	}
	if d.memory != nil {
		d.memory.ObserveResult(req.Tool, payload)
	}

	res := d.result(callID, req, payload, attempts, start)
	d.record(req, metrics.OutcomeSuccess, res.Duration, nil)
	d.recordTurn(req, res)
	logger.Debug("tool call succeeded", "attempts", attempts, "duration", res.Duration)
	return res, nil
}

// attempt makes one guarded backend call. The breaker ticket and the pooled
// channel are always settled before it returns.
func (d *Dispatcher) attempt(ctx context.Context, req Request, br *breaker.Breaker, p *pool.Pool) (json.RawMessage, error) {
	ticket, err := br.Allow()
	if err != nil {
		return nil, newError(KindCircuitOpen, req, err)
	}

	ch, err := p.Acquire(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			ticket.Neutral()
			return nil, newError(KindCancelled, req, ctx.Err())
		case errors.Is(err, breaker.ErrOpen):
			ticket.Neutral()
			return nil, newError(KindCircuitOpen, req, err)
		case errors.Is(err, pool.ErrAcquireTimeout), errors.Is(err, pool.ErrClosed):
			// Local saturation; no backend was contacted.
			ticket.Neutral()
			return nil, newError(KindTransient, req, err)
		default:
			// Dial or handshake failure: the backend is unreachable.
			ticket.Failure()
			return nil, newError(KindTransient, req, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	out, err := ch.Call(callCtx, req.Tool, req.Args)
	var remote *pool.RemoteError
	switch {
	case err == nil:
		p.Release(ch)
		ticket.Success()
		return out, nil

	case ctx.Err() != nil:
		// The channel may hold a half-read response.
		p.Discard(ch)
		ticket.Neutral()
		return nil, newError(KindCancelled, req, ctx.Err())

	case errors.As(err, &remote):
		// The backend answered, so it is healthy.
		p.Release(ch)
		ticket.Success()
		return nil, &Error{Kind: KindLogic, Service: req.Service, Tool: req.Tool, Message: remote.Message, Err: err}

	default:
		p.Discard(ch)
		ticket.Failure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", errCallTimeout, d.callTimeout, err)
		}
		return nil, newError(KindTransient, req, err)
	}
}

// classify turns the attempt loop's error into an *Error. The loop returns
// the context error when cancellation lands during a backoff sleep.
func (d *Dispatcher) classify(ctx context.Context, req Request, err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	if ctx.Err() != nil {
		return newError(KindCancelled, req, err)
	}
	return newError(KindTransient, req, err)
}

func (d *Dispatcher) fail(span trace.Span, logger *slog.Logger, gerr *Error) error {
	span.RecordError(gerr)
	span.SetStatus(codes.Error, string(gerr.Kind))

	switch gerr.Kind {
	case KindUnknownTool, KindValidation, KindLogic, KindCancelled:
		logger.Info("tool call rejected", "kind", gerr.Kind, "error", gerr.Message)
	default:
		logger.Warn("tool call failed", "kind", gerr.Kind, "attempts", gerr.Attempts, "retry_later", gerr.RetryLater, "error", gerr.Message)
	}
	return gerr
}

func (d *Dispatcher) record(req Request, outcome metrics.Outcome, latency time.Duration, err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordAttempt(req.Service, req.Tool, outcome, latency, err)
}

// recordTurn logs a chat-origin result in the conversation.
func (d *Dispatcher) recordTurn(req Request, res *Result) {
	if req.Origin != OriginChat || d.memory == nil {
		return
	}
	text := res.Text
	if len(text) > maxTurnText {
		text = text[:maxTurnText] + "..."
	}
	d.memory.AppendTurn(memory.RoleAssistant, fmt.Sprintf("[%s.%s] %s", req.Service, req.Tool, text))
}

func (d *Dispatcher) result(callID string, req Request, payload json.RawMessage, attempts int, start time.Time) *Result {
	return &Result{
		CallID:   callID,
		Service:  req.Service,
		Tool:     req.Tool,
		Payload:  payload,
		Text:     payloadText(payload),
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// payloadText renders a payload for display: JSON strings unquoted,
// everything else as compact JSON.
func payloadText(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

func outcomeFor(k Kind) metrics.Outcome {
	switch k {
	case KindCircuitOpen:
		return metrics.OutcomeCircuitOpen
	case KindCancelled:
		return metrics.OutcomeCancelled
	case KindLogic:
		return metrics.OutcomeLogicError
	case KindValidation:
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeTransient
	}
}
