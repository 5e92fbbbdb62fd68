package pipeline

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coal/recaptchaedge/internal/audit"
	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/metrics"
	"github.com/coal/recaptchaedge/internal/telemetry"
)

// EventObserver is a callback that receives every decision.
type EventObserver func(d Decision)

// Config holds the engine settings that shape decisions.
type Config struct {
	ProjectNumber        uint64
	ChallengePageSiteKey string
	// SessionJSInstallPath is a semicolon separated list of path globs
	// whose responses get the session script.
	SessionJSInstallPath string
	// Debug adds the X-RECAPTCHA-DEBUG header and awaits response
	// transforms before returning.
	Debug bool
	// UnsafeDebugDump replaces every response with the debug dump.
	UnsafeDebugDump bool
}

// Engine decides and applies firewall actions for requests.
type Engine struct {
	platform Platform
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger

	observerMu sync.RWMutex
	observers  []EventObserver
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// New creates an Engine backed by platform.
func New(platform Platform, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		platform: platform,
		cfg:      cfg,
		logger:   zerolog.New(io.Discard),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.audit == nil {
		e.audit = audit.NopLogger()
	}
	return e
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.cfg }

// ProcessRequest runs the whole flow for one request: decide the actions,
// apply them, and attach debug output when enabled.
func (e *Engine) ProcessRequest(ctx context.Context, req Request) (resp *Response, err error) {
	reqID := uuid.NewString()
	trace := debugtrace.New()
	base := e.logger
	if e.cfg.UnsafeDebugDump {
		base = base.Level(zerolog.DebugLevel)
	}
	logger := base.Hook(trace).With().Str("request_id", reqID).Logger()
	ctx = logger.WithContext(debugtrace.WithTrace(ctx, trace))

	ctx, span := telemetry.Start(ctx, "recaptcha.process_request",
		attribute.String("http.method", req.Method),
		attribute.String("url.path", req.Path()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	actions := e.FetchActions(ctx, req)
	p := planActions(actions)
	span.SetAttributes(attribute.String("recaptcha.disposition", p.disposition()))

	resp, err = e.ApplyActions(ctx, req, actions)

	d := Decision{
		Timestamp:       trace.Start.UTC(),
		RequestID:       reqID,
		Method:          req.Method,
		Host:            req.Hostname(),
		Path:            req.Path(),
		Disposition:     p.disposition(),
		Actions:         trace.Actions,
		LocalAssessment: trace.LocalAssessment,
		SiteKeyUsed:     trace.SiteKeyUsed,
		PolicyCache:     trace.PolicyCache,
	}
	if err != nil {
		logger.Error().Err(err).Msg("applying actions failed")
		d.Error = err.Error()
		e.finish(d, trace)
		return nil, err
	}
	d.Status = resp.StatusCode

	if e.cfg.Debug {
		resp.Header.Set(debugtrace.HeaderName, trace.Header())
	}
	if e.cfg.UnsafeDebugDump {
		if resp.Body != nil {
			resp.Body.Close()
		}
		body, derr := trace.DumpJSON()
		if derr != nil {
			logger.Error().Err(derr).Msg("encoding debug dump failed")
			d.Error = derr.Error()
			e.finish(d, trace)
			return nil, derr
		}
		resp = NewResponse(http.StatusOK, http.Header{"Content-Type": {"application/json"}}, body)
	}
	e.finish(d, trace)
	return resp, nil
}

func (e *Engine) finish(d Decision, trace *debugtrace.Trace) {
	d.DurationMS = float64(time.Since(trace.Start).Microseconds()) / 1000
	d.Exceptions = len(trace.Exceptions())
	e.metrics.Decision(d.Disposition)
	e.metrics.ObserveStage("request", trace.Start)

	if err := e.audit.Log(audit.Entry{
		Timestamp:       d.Timestamp,
		RequestID:       d.RequestID,
		Method:          d.Method,
		Host:            d.Host,
		Path:            d.Path,
		Disposition:     d.Disposition,
		Actions:         d.Actions,
		LocalAssessment: d.LocalAssessment,
		SiteKeyUsed:     d.SiteKeyUsed,
		PolicyCache:     d.PolicyCache,
		Status:          d.Status,
		Exceptions:      trace.Exceptions(),
		Error:           d.Error,
		DurationMS:      d.DurationMS,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("audit log write failed")
	}
	e.notify(d)
}

// AddObserver registers a callback that will be invoked for every decision.
func (e *Engine) AddObserver(fn EventObserver) {
	e.observerMu.Lock()
	defer e.observerMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(d Decision) {
	e.observerMu.RLock()
	observers := e.observers
	e.observerMu.RUnlock()

	for _, fn := range observers {
		fn(d)
	}
}
