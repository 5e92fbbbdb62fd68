package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/action"
	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/recaptcha"
	"github.com/coal/recaptchaedge/internal/telemetry"
)

// FetchActions decides the action list for req. The local policy table is
// tried first and the assessment service is only called when the table
// cannot decide. Any failure defaults to [Allow]. When the request path
// matches the session script install path, InjectJS is put in front.
func (e *Engine) FetchActions(ctx context.Context, req Request) action.List {
	logger := zerolog.Ctx(ctx)
	trace := debugtrace.FromContext(ctx)

	actions, err := e.resolve(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("action decision failed, allowing request")
		trace.RecordException(err)
		e.metrics.Fallback()
		actions = action.List{action.Allow{}}
	}

	if e.cfg.SessionJSInstallPath != "" && policy.MatchPathList(e.cfg.SessionJSInstallPath, req.URL) {
		actions = append(action.List{action.InjectJS{}}, actions...)
	}
	trace.SetActions(action.Kinds(actions))
	return actions
}

func (e *Engine) resolve(ctx context.Context, req Request) (actions action.List, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action decision panicked: %v", r)
		}
	}()

	start := time.Now()
	local := policy.LocalAssessment(ctx, e.platform, req.URL)
	e.metrics.ObserveStage("local_assessment", start)
	e.metrics.LocalAssessment(local.String())
	e.metrics.PolicyCache(debugtrace.FromContext(ctx).CacheOutcome())
	if !local.RecaptchaRequired {
		return local.Actions, nil
	}
	return e.evaluatePolicyAssessment(ctx, req)
}

// evaluatePolicyAssessment asks the assessment service which policy applies.
// A classified service error is turned into its recommended action; any
// other error is returned.
func (e *Engine) evaluatePolicyAssessment(ctx context.Context, req Request) (_ action.List, err error) {
	ctx, span := telemetry.Start(ctx, "recaptcha.evaluate_policy_assessment")
	defer func() { telemetry.EndSpan(span, err) }()
	start := time.Now()
	defer e.metrics.ObserveStage("create_assessment", start)

	event, err := e.platform.BuildEvent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	event.FirewallPolicyEvaluation = true

	assessment, err := e.platform.CreateAssessment(ctx, event)
	if err != nil {
		if rcErr, ok := recaptcha.AsError(err); ok {
			rec := rcErr.RecommendedAction()
			zerolog.Ctx(ctx).Warn().Err(err).Str("recommended", rec.String()).Msg("assessment failed")
			debugtrace.FromContext(ctx).RecordException(err)
			return action.List{rec}, nil
		}
		return nil, fmt.Errorf("create assessment: %w", err)
	}
	return assessment.FirewallActions(), nil
}
