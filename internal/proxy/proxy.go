package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/pipeline"
	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/recaptcha"
	"github.com/coal/recaptchaedge/internal/telemetry"
)

// Assessor creates reCAPTCHA assessments.
type Assessor interface {
	CreateAssessment(ctx context.Context, event *recaptcha.Event) (*recaptcha.Assessment, error)
}

// Config configures the edge proxy.
type Config struct {
	OriginURL        string
	ChallengePageURL string
	SiteKeys         recaptcha.SiteKeys
	// TrustForwarded takes the client address from X-Forwarded-For.
	TrustForwarded bool
	// MaxBodyBytes caps the request body read into memory.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 10 << 20

// EdgeProxy is a reverse proxy that runs every request through the firewall
// engine. It is the engine's Platform.
type EdgeProxy struct {
	cfg       Config
	origin    *url.URL
	challenge *url.URL
	lister    policy.Lister
	assessor  Assessor
	client    *http.Client
	engine    *pipeline.Engine
	logger    zerolog.Logger
}

// New creates an EdgeProxy and the engine behind it. assessor may be nil,
// in which case every remote assessment fails open.
func New(cfg Config, lister policy.Lister, assessor Assessor, client *http.Client, engineCfg pipeline.Config, logger zerolog.Logger, opts ...pipeline.Option) (*EdgeProxy, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, recaptcha.NewInitError(fmt.Sprintf("invalid origin url %q", cfg.OriginURL), err)
	}
	var challenge *url.URL
	if cfg.ChallengePageURL != "" {
		challenge, err = url.Parse(cfg.ChallengePageURL)
		if err != nil || !challenge.IsAbs() {
			return nil, recaptcha.NewInitError(fmt.Sprintf("invalid challenge page url %q", cfg.ChallengePageURL), err)
		}
	}
	if lister == nil {
		return nil, recaptcha.NewInitError("no firewall policy source configured", nil)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	// Redirects from the origin go back to the browser untouched.
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	ep := &EdgeProxy{
		cfg:       cfg,
		origin:    origin,
		challenge: challenge,
		lister:    lister,
		assessor:  assessor,
		client:    &c,
		logger:    logger,
	}
	opts = append([]pipeline.Option{pipeline.WithLogger(logger)}, opts...)
	ep.engine = pipeline.New(ep, engineCfg, opts...)
	return ep, nil
}

// Engine returns the engine so callers can attach observers.
func (ep *EdgeProxy) Engine() *pipeline.Engine {
	return ep.engine
}

// Handler returns the proxy wrapped in request tracing.
func (ep *EdgeProxy) Handler() http.Handler {
	return telemetry.HTTPMiddleware("edge")(ep)
}

// ServeHTTP handles incoming requests.
func (ep *EdgeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ep.cfg.MaxBodyBytes))
	r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := ep.engine.ProcessRequest(r.Context(), fromHTTP(r, body))
	if err != nil {
		ep.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, ep.logger)
}

// fromHTTP converts an inbound request into the engine's view. The URL is
// made absolute from the Host header so the hostname survives.
func fromHTTP(r *http.Request, body []byte) pipeline.Request {
	u := *r.URL
	u.Host = r.Host
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
		u.Scheme = proto
	}
	return pipeline.Request{
		Method:     r.Method,
		URL:        &u,
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}
}

func writeResponse(w http.ResponseWriter, resp *pipeline.Response, logger zerolog.Logger) {
	for k, v := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn().Err(err).Msg("copying response body failed")
	}
}

// toHTTP builds an outbound request for target carrying req's method,
// headers and body.
func toHTTP(ctx context.Context, req pipeline.Request, target *url.URL) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		if isHopHeader(k) {
			continue
		}
		out.Header[k] = append([]string(nil), v...)
	}
	return out, nil
}

func fromHTTPResponse(resp *http.Response) *pipeline.Response {
	h := resp.Header.Clone()
	for k := range h {
		if isHopHeader(k) {
			h.Del(k)
		}
	}
	return &pipeline.Response{StatusCode: resp.StatusCode, Header: h, Body: resp.Body}
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopHeader(k string) bool {
	return hopHeaders[http.CanonicalHeaderKey(k)]
}

func appendForwardedFor(h http.Header, ip string) {
	if ip == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		ip = strings.Join(prior, ", ") + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}
