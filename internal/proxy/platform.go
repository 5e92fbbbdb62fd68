package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/inject"
	"github.com/coal/recaptchaedge/internal/pipeline"
	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/recaptcha"
	"github.com/coal/recaptchaedge/internal/soz"
)

// JA3Header is where a TLS terminator in front of the edge may pass the
// client's JA3 fingerprint.
const JA3Header = "X-JA3-Fingerprint"

// ListFirewallPolicies serves the policy list from the configured source.
func (ep *EdgeProxy) ListFirewallPolicies(ctx context.Context) ([]policy.FirewallPolicy, error) {
	return ep.lister.ListFirewallPolicies(ctx)
}

// CreateAssessment forwards event to the assessment client.
func (ep *EdgeProxy) CreateAssessment(ctx context.Context, event *recaptcha.Event) (*recaptcha.Assessment, error) {
	if ep.assessor == nil {
		return nil, recaptcha.NewInitError("no assessment client configured", nil)
	}
	if event.SiteKey == "" {
		msg := "no site key configured"
		if kind := debugtrace.FromContext(ctx).SiteKind(); kind != "" {
			msg = fmt.Sprintf("no %s site key configured", kind)
		}
		return nil, recaptcha.NewInitError(msg, nil)
	}
	return ep.assessor.CreateAssessment(ctx, event)
}

// BuildEvent resolves the token and site key for req and adds the
// request signals. The site key is left empty when none is configured for
// the resolved kind; CreateAssessment refuses such events, while the
// challenge redirect only needs the client address.
func (ep *EdgeProxy) BuildEvent(ctx context.Context, req pipeline.Request) (*recaptcha.Event, error) {
	site := recaptcha.ResolveSite(ep.cfg.SiteKeys, req.Header)
	debugtrace.FromContext(ctx).SetSiteKeyUsed(site.Kind)
	return recaptcha.BuildEvent(site, recaptcha.Signals{
		UserIP:       recaptcha.ClientIP(req.Header, req.RemoteAddr, ep.cfg.TrustForwarded),
		UserAgent:    req.Header.Get("User-Agent"),
		JA3:          req.Header.Get(JA3Header),
		RequestedURI: req.URL.String(),
		Headers:      recaptcha.FlattenHeaders(req.Header),
	}), nil
}

// FetchOrigin forwards req to the origin, keeping its path and query.
func (ep *EdgeProxy) FetchOrigin(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	target := *ep.origin
	target.Path = singleJoiningSlash(ep.origin.Path, req.URL.Path)
	target.RawPath = ""
	target.RawQuery = req.URL.RawQuery

	out, err := toHTTP(ctx, req, &target)
	if err != nil {
		return nil, err
	}
	out.Host = ep.origin.Host
	appendForwardedFor(out.Header, recaptcha.ClientIP(req.Header, req.RemoteAddr, false))
	out.Header.Set("X-Forwarded-Host", req.URL.Host)

	resp, err := ep.client.Do(out)
	if err != nil {
		return nil, err
	}
	return fromHTTPResponse(resp), nil
}

// FetchChallengePage POSTs the Soz payload to the challenge page endpoint.
func (ep *EdgeProxy) FetchChallengePage(ctx context.Context, req pipeline.Request, payload string) (*pipeline.Response, error) {
	if ep.challenge == nil {
		return nil, recaptcha.NewInitError("no challenge page url configured", nil)
	}
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.challenge.String(), nil)
	if err != nil {
		return nil, err
	}
	out.Header.Set(soz.HeaderName, payload)
	if ua := req.Header.Get("User-Agent"); ua != "" {
		out.Header.Set("User-Agent", ua)
	}
	resp, err := ep.client.Do(out)
	if err != nil {
		return nil, err
	}
	return fromHTTPResponse(resp), nil
}

// InjectJS places the session script into HTML responses. The rewrite runs
// behind a pipe, so the body is still being produced when InjectJS returns.
func (ep *EdgeProxy) InjectJS(ctx context.Context, resp *pipeline.Response) (*pipeline.Response, error) {
	if !inject.IsHTML(resp.Header.Get("Content-Type")) || resp.Body == nil {
		return resp, nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return resp, nil
	}
	tag := inject.ScriptTag(ep.cfg.SiteKeys.Session)
	src := resp.Body
	pr, pw := io.Pipe()
	go func() {
		defer src.Close()
		body, err := io.ReadAll(src)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		_, err = pw.Write(inject.Script(body, tag))
		pw.CloseWithError(err)
	}()

	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &pipeline.Response{StatusCode: resp.StatusCode, Header: h, Body: pr}, nil
}

func singleJoiningSlash(a, b string) string {
	if a == "" || a == "/" {
		return b
	}
	u, err := url.JoinPath(a, b)
	if err != nil {
		return a + b
	}
	return u
}
