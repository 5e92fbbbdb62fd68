package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/action"
	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/soz"
	"github.com/coal/recaptchaedge/internal/telemetry"
)

// ApplyActions carries out actions for req.
//
// Block answers 403 with an empty body. Redirect and ChallengePage serve the
// challenge page. Otherwise the request mutations are applied in list order
// and the result is forwarded to the origin once. Response mutations then
// run against the origin response, each kind at most once.
//
// Errors from building or sending the challenge redirect are returned, never
// swallowed.
func (e *Engine) ApplyActions(ctx context.Context, req Request, actions action.List) (*Response, error) {
	logger := zerolog.Ctx(ctx)
	p := planActions(actions)
	if p.terminals > 1 {
		logger.Warn().
			Strs("actions", action.Kinds(actions)).
			Str("applied", p.terminal.String()).
			Msg("policy lists several terminal actions, the last one wins")
	}

	switch t := p.terminal.(type) {
	case action.Block:
		logger.Info().Str("path", req.Path()).Msg("request blocked")
		return NewResponse(http.StatusForbidden, nil, nil), nil
	case action.Redirect, action.ChallengePage:
		logger.Info().Str("path", req.Path()).Str("action", t.String()).Msg("serving challenge page")
		return e.challenge(ctx, req)
	}

	for _, a := range p.request {
		switch m := a.(type) {
		case action.SetHeader:
			req = req.WithHeader(m.Key, m.Value)
		case action.Substitute:
			next, err := req.WithPath(m.Path)
			if err != nil {
				logger.Warn().Err(err).Msg("ignoring substitute action")
				debugtrace.FromContext(ctx).RecordException(err)
				continue
			}
			req = next
		}
	}

	resp, err := e.fetchOrigin(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.applyResponseActions(ctx, resp, p.response)
}

func (e *Engine) fetchOrigin(ctx context.Context, req Request) (_ *Response, err error) {
	ctx, span := telemetry.Start(ctx, "origin.fetch")
	defer func() { telemetry.EndSpan(span, err) }()
	start := time.Now()
	defer e.metrics.ObserveStage("origin", start)

	resp, err := e.platform.FetchOrigin(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch origin: %w", err)
	}
	return resp, nil
}

// challenge builds the Soz payload for req and fetches the challenge page
// with it.
func (e *Engine) challenge(ctx context.Context, req Request) (_ *Response, err error) {
	ctx, span := telemetry.Start(ctx, "challenge.fetch")
	defer func() { telemetry.EndSpan(span, err) }()
	start := time.Now()
	defer e.metrics.ObserveStage("challenge", start)

	event, err := e.platform.BuildEvent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("redirect: build event: %w", err)
	}
	msg, err := soz.New(req.Hostname(), req.RequestURI(), e.cfg.ChallengePageSiteKey, e.cfg.ProjectNumber, event.UserIPAddress)
	if err != nil {
		return nil, fmt.Errorf("redirect: %w", err)
	}
	resp, err := e.platform.FetchChallengePage(ctx, req, msg.Encode())
	if err != nil {
		return nil, fmt.Errorf("redirect: fetch challenge page: %w", err)
	}
	return resp, nil
}

// applyResponseActions runs the response mutations of a plan against resp.
// Repeated kinds are applied once.
func (e *Engine) applyResponseActions(ctx context.Context, resp *Response, actions []action.Action) (*Response, error) {
	logger := zerolog.Ctx(ctx)
	applied := make(map[action.Kind]bool)

	for _, a := range actions {
		if applied[a.Kind()] {
			continue
		}
		applied[a.Kind()] = true

		switch a.(type) {
		case action.InjectJS:
			start := time.Now()
			next, err := e.platform.InjectJS(ctx, resp)
			if err != nil {
				logger.Warn().Err(err).Msg("script injection failed")
				debugtrace.FromContext(ctx).RecordException(err)
				continue
			}
			resp = next
			if e.cfg.Debug {
				if _, err := resp.Buffer(); err != nil {
					return nil, fmt.Errorf("inject script: %w", err)
				}
				e.metrics.ObserveStage("inject", start)
			}
			e.metrics.Injection()
		}
	}
	return resp, nil
}
