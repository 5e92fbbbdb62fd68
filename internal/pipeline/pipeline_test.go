package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coal/recaptchaedge/internal/action"
	"github.com/coal/recaptchaedge/internal/audit"
	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/jsonutil"
	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/recaptcha"
	"github.com/coal/recaptchaedge/internal/soz"
)

// fakePlatform records every external call in order.
type fakePlatform struct {
	mu sync.Mutex

	policies   []policy.FirewallPolicy
	listErr    error
	assessment *recaptcha.Assessment
	assessErr  error
	userIP     string
	challenge  error

	calls      []string
	events     []*recaptcha.Event
	originReqs []Request
	sozValues  []string
	injections int
}

func (f *fakePlatform) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlatform) ListFirewallPolicies(context.Context) ([]policy.FirewallPolicy, error) {
	f.record("list")
	return f.policies, f.listErr
}

func (f *fakePlatform) CreateAssessment(_ context.Context, ev *recaptcha.Event) (*recaptcha.Assessment, error) {
	f.record("assess")
	f.events = append(f.events, ev)
	return f.assessment, f.assessErr
}

func (f *fakePlatform) FetchChallengePage(_ context.Context, req Request, payload string) (*Response, error) {
	f.record("challenge")
	if f.challenge != nil {
		return nil, f.challenge
	}
	f.sozValues = append(f.sozValues, payload)
	return NewResponse(http.StatusOK, http.Header{"X-Challenge": {"1"}}, []byte("challenge page")), nil
}

func (f *fakePlatform) FetchOrigin(_ context.Context, req Request) (*Response, error) {
	f.record("origin")
	f.originReqs = append(f.originReqs, req)
	return NewResponse(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte("<html><head></head>origin</html>")), nil
}

func (f *fakePlatform) BuildEvent(_ context.Context, req Request) (*recaptcha.Event, error) {
	ip := f.userIP
	if ip == "" {
		ip, _, _ = net.SplitHostPort(req.RemoteAddr)
	}
	return &recaptcha.Event{SiteKey: "express-key", Express: true, UserIPAddress: ip}, nil
}

func (f *fakePlatform) InjectJS(_ context.Context, resp *Response) (*Response, error) {
	f.injections++
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		pw.Write(bytes.Replace(body, []byte("</head>"), []byte("<script></script></head>"), 1))
		pw.Close()
	}()
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: pr}, nil
}

func newRequest(t *testing.T, target string) Request {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse %q: %v", target, err)
	}
	return Request{Method: http.MethodGet, URL: u, Header: http.Header{}, RemoteAddr: "203.0.113.9:4711"}
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

var testConfig = Config{ProjectNumber: 1234567890, ChallengePageSiteKey: "challenge-key"}

func TestApplyActions_Allow(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)

	resp, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/a"), action.List{action.Allow{}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := countCalls(fp.calls, "origin"); got != 1 {
		t.Errorf("expected 1 origin fetch, got %d", got)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "<html><head></head>origin</html>" {
		t.Errorf("origin body modified: %q", body)
	}
}

func TestApplyActions_Block(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)

	resp, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/a"), action.List{action.Block{}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "" {
		t.Errorf("expected empty body, got %q", body)
	}
	if len(fp.calls) != 0 {
		t.Errorf("expected no external calls, got %v", fp.calls)
	}
}

func TestApplyActions_SetHeader(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)
	req := newRequest(t, "https://example.com/a")
	req.Header.Set("X-Existing", "1")

	_, err := e.ApplyActions(context.Background(), req, action.List{
		action.SetHeader{Key: "X-Bot", Value: "maybe"},
		action.SetHeader{Key: "X-Existing", Value: "2"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fp.originReqs) != 1 {
		t.Fatalf("expected 1 origin fetch, got %d", len(fp.originReqs))
	}
	sent := fp.originReqs[0]
	if got := sent.Header.Get("X-Bot"); got != "maybe" {
		t.Errorf("expected X-Bot=maybe, got %q", got)
	}
	if got := sent.Header.Values("X-Existing"); len(got) != 2 {
		t.Errorf("expected appended header values, got %v", got)
	}
	if req.Header.Get("X-Bot") != "" {
		t.Error("caller's request must not be mutated")
	}
}

func TestApplyActions_Substitute(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)
	req := newRequest(t, "https://example.com/old/place?x=1")

	_, err := e.ApplyActions(context.Background(), req, action.List{action.Substitute{Path: "/newdest"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fp.originReqs) != 1 {
		t.Fatalf("expected 1 origin fetch, got %d", len(fp.originReqs))
	}
	if got := fp.originReqs[0].URL.String(); got != "https://example.com/newdest" {
		t.Errorf("unexpected forwarded url %q", got)
	}
	if req.URL.Path != "/old/place" {
		t.Error("caller's url must not be mutated")
	}
}

func TestApplyActions_InjectJSOnce(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)

	resp, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{
		action.InjectJS{}, action.Allow{}, action.InjectJS{},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fp.injections != 1 {
		t.Errorf("expected 1 injection, got %d", fp.injections)
	}
	if body := readBody(t, resp); strings.Count(body, "<script>") != 1 {
		t.Errorf("expected one script tag, got %q", body)
	}
}

func TestApplyActions_SkipsRequestActionsOnResponse(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)

	resp, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{
		action.SetHeader{Key: "X-A", Value: "1"}, action.InjectJS{}, action.Substitute{Path: "/b"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fp.injections != 1 {
		t.Errorf("expected 1 injection, got %d", fp.injections)
	}
	if resp.Header.Get("X-A") != "" {
		t.Error("request header leaked into the response")
	}
	if body := readBody(t, resp); !strings.Contains(body, "<script>") {
		t.Errorf("expected injected script, got %q", body)
	}
	if len(fp.originReqs) != 1 || fp.originReqs[0].Path() != "/b" || fp.originReqs[0].Header.Get("X-A") != "1" {
		t.Errorf("unexpected origin request %+v", fp.originReqs)
	}
}

func TestApplyActions_Redirect(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)

	resp, err := e.ApplyActions(context.Background(), newRequest(t, "https://shop.example.com/checkout?step=2"), action.List{action.Redirect{}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if countCalls(fp.calls, "origin") != 0 {
		t.Error("redirect must not reach the origin")
	}
	if resp.Header.Get("X-Challenge") != "1" {
		t.Error("challenge page headers must be preserved")
	}
	if len(fp.sozValues) != 1 {
		t.Fatalf("expected 1 challenge fetch, got %d", len(fp.sozValues))
	}

	msg, err := soz.Decode(fp.sozValues[0])
	if err != nil {
		t.Fatalf("decode soz: %v", err)
	}
	if !bytes.Equal(msg.UserIP, []byte{203, 0, 113, 9}) {
		t.Errorf("unexpected ip bytes %v", msg.UserIP)
	}
	if msg.Host != "shop.example.com" {
		t.Errorf("unexpected host %q", msg.Host)
	}
	if msg.SiteKey != "challenge-key" {
		t.Errorf("unexpected site key %q", msg.SiteKey)
	}
	if msg.ProjectNumber != 1234567890 {
		t.Errorf("unexpected project number %d", msg.ProjectNumber)
	}
	if msg.URI != "/checkout?step=2" {
		t.Errorf("unexpected uri %q", msg.URI)
	}
}

func TestApplyActions_RedirectErrorsPropagate(t *testing.T) {
	fp := &fakePlatform{userIP: "not-an-ip"}
	e := New(fp, testConfig)
	if _, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{action.Redirect{}}); err == nil {
		t.Error("expected error for an unparseable client ip")
	}

	fp = &fakePlatform{challenge: errors.New("connection refused")}
	e = New(fp, testConfig)
	if _, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{action.Redirect{}}); err == nil {
		t.Error("expected challenge fetch error to propagate")
	}
}

func TestApplyActions_LastTerminalWins(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)

	resp, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{action.Block{}, action.Allow{}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if resp.StatusCode != http.StatusOK || countCalls(fp.calls, "origin") != 1 {
		t.Errorf("expected trailing allow to win, got %d %v", resp.StatusCode, fp.calls)
	}

	fp = &fakePlatform{}
	e = New(fp, testConfig)
	resp, err = e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{action.Allow{}, action.Block{}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden || len(fp.calls) != 0 {
		t.Errorf("expected trailing block to win, got %d %v", resp.StatusCode, fp.calls)
	}
}

func TestPlanActions(t *testing.T) {
	p := planActions(action.List{
		action.InjectJS{},
		action.Block{},
		action.SetHeader{Key: "k", Value: "v"},
		action.Redirect{},
		action.Substitute{Path: "/x"},
	})
	if p.terminal != (action.Redirect{}) || p.terminals != 2 {
		t.Errorf("expected redirect of 2 terminals, got %v of %d", p.terminal, p.terminals)
	}
	if len(p.request) != 2 || len(p.response) != 1 {
		t.Errorf("unexpected split %d request / %d response", len(p.request), len(p.response))
	}
	if p.disposition() != "redirect" {
		t.Errorf("unexpected disposition %q", p.disposition())
	}
	if planActions(nil).disposition() != DispositionForward {
		t.Error("empty list must forward")
	}
}

func TestApplyActions_EmptyListForwards(t *testing.T) {
	fp := &fakePlatform{}
	e := New(fp, testConfig)
	if _, err := e.ApplyActions(context.Background(), newRequest(t, "https://example.com/"), action.List{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if countCalls(fp.calls, "origin") != 1 {
		t.Errorf("expected forward, got %v", fp.calls)
	}
}

func TestFetchActions_LocalDecision(t *testing.T) {
	fp := &fakePlatform{policies: []policy.FirewallPolicy{
		{Path: "/badpath", Condition: "recaptcha.score > 0.5"},
		{Path: "/testlocal", Condition: "true", Actions: action.List{action.Block{}}},
	}}
	e := New(fp, testConfig)

	got := e.FetchActions(context.Background(), newRequest(t, "https://example.com/testlocal"))
	if len(got) != 1 || got[0] != (action.Block{}) {
		t.Errorf("expected [block], got %v", got)
	}
	if countCalls(fp.calls, "assess") != 0 {
		t.Error("local decision must not call the assessment service")
	}
}

func TestFetchActions_WithoutTraceKeepsRemoteDecision(t *testing.T) {
	fp := &fakePlatform{
		policies: []policy.FirewallPolicy{{Condition: "recaptcha.score < 0.1"}},
		assessment: &recaptcha.Assessment{
			FirewallPolicyAssessment: &recaptcha.FirewallPolicyAssessment{
				FirewallPolicy: &policy.FirewallPolicy{Actions: action.List{action.Redirect{}}},
			},
		},
	}
	e := New(fp, testConfig)

	got := e.FetchActions(context.Background(), newRequest(t, "https://example.com/"))
	if len(got) != 1 || got[0] != (action.Redirect{}) {
		t.Errorf("expected [redirect], got %v", got)
	}
	if countCalls(fp.calls, "assess") != 1 {
		t.Errorf("expected one assessment, got %v", fp.calls)
	}
}

func TestFetchActions_BothFailDefaultsToAllow(t *testing.T) {
	fp := &fakePlatform{
		listErr:   errors.New("list exploded"),
		assessErr: errors.New("assess exploded"),
	}
	e := New(fp, testConfig)
	trace := debugtrace.New()
	ctx := debugtrace.WithTrace(context.Background(), trace)

	got := e.FetchActions(ctx, newRequest(t, "https://example.com/"))
	if len(got) != 1 || got[0] != (action.Allow{}) {
		t.Errorf("expected [allow], got %v", got)
	}
	if len(trace.Exceptions()) != 2 {
		t.Errorf("expected both failures recorded, got %v", trace.Exceptions())
	}
	if countCalls(fp.calls, "assess") != 1 {
		t.Errorf("expected a remote call after local failure, got %v", fp.calls)
	}
}

func TestFetchActions_ClassifiedErrorUsesRecommendation(t *testing.T) {
	fp := &fakePlatform{
		policies:  []policy.FirewallPolicy{{Condition: "recaptcha.score < 0.1"}},
		assessErr: recaptcha.NewError("quota", action.Block{}, nil),
	}
	e := New(fp, testConfig)

	got := e.FetchActions(context.Background(), newRequest(t, "https://example.com/"))
	if len(got) != 1 || got[0] != (action.Block{}) {
		t.Errorf("expected recommended block, got %v", got)
	}
	if len(fp.events) != 1 || !fp.events[0].FirewallPolicyEvaluation {
		t.Error("assessment must request firewall policy evaluation")
	}
}

func TestFetchActions_PrependsInjectJS(t *testing.T) {
	fp := &fakePlatform{policies: []policy.FirewallPolicy{
		{Path: "/shop/**", Actions: action.List{action.SetHeader{Key: "a", Value: "b"}}},
	}}
	cfg := testConfig
	cfg.SessionJSInstallPath = "/login;/shop/**"
	e := New(fp, cfg)

	got := e.FetchActions(context.Background(), newRequest(t, "https://example.com/shop/cart"))
	want := action.List{action.InjectJS{}, action.SetHeader{Key: "a", Value: "b"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected %v, got %v", want, got)
	}

	got = e.FetchActions(context.Background(), newRequest(t, "https://example.com/about"))
	if len(got) != 1 || got[0] != (action.Allow{}) {
		t.Errorf("expected [allow] off the install path, got %v", got)
	}
}

func TestProcessRequest_EndToEnd(t *testing.T) {
	fp := &fakePlatform{
		policies: []policy.FirewallPolicy{
			{Path: "/teste2e", Condition: "recaptcha.score > 0.5", Actions: action.List{action.Allow{}}},
			{Path: "/unrelated", Actions: action.List{action.Block{}}},
		},
		assessment: &recaptcha.Assessment{
			FirewallPolicyAssessment: &recaptcha.FirewallPolicyAssessment{
				FirewallPolicy: &policy.FirewallPolicy{Actions: action.List{action.Allow{}}},
			},
		},
	}
	e := New(fp, testConfig)

	var decisions []Decision
	e.AddObserver(func(d Decision) { decisions = append(decisions, d) })

	resp, err := e.ProcessRequest(context.Background(), newRequest(t, "https://example.com/teste2e"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if body := readBody(t, resp); body != "<html><head></head>origin</html>" {
		t.Errorf("unexpected body %q", body)
	}
	want := []string{"list", "assess", "origin"}
	if strings.Join(fp.calls, ",") != strings.Join(want, ",") {
		t.Errorf("expected calls %v, got %v", want, fp.calls)
	}

	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	d := decisions[0]
	if d.Disposition != "allow" || d.LocalAssessment != policy.RecaptchaRequired || d.Status != http.StatusOK {
		t.Errorf("unexpected decision %+v", d)
	}
	if d.RequestID == "" {
		t.Error("expected a request id")
	}
}

func TestProcessRequest_DebugHeader(t *testing.T) {
	fp := &fakePlatform{}
	cfg := testConfig
	cfg.Debug = true
	cfg.SessionJSInstallPath = "/**"
	e := New(fp, cfg)

	resp, err := e.ProcessRequest(context.Background(), newRequest(t, "https://example.com/x"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	h := resp.Header.Get(debugtrace.HeaderName)
	for _, want := range []string{"local_assessment=actions", "actions=includeRecaptchaScript,allow", "policy_count=0"} {
		if !strings.Contains(h, want) {
			t.Errorf("debug header %q missing %q", h, want)
		}
	}
	if body := readBody(t, resp); !strings.Contains(body, "<script>") {
		t.Errorf("expected buffered injected body, got %q", body)
	}
}

func TestProcessRequest_UnsafeDebugDump(t *testing.T) {
	fp := &fakePlatform{listErr: errors.New("no policies"), assessment: &recaptcha.Assessment{}}
	cfg := testConfig
	cfg.UnsafeDebugDump = true
	var auditBuf bytes.Buffer
	e := New(fp, cfg, WithAudit(audit.NewLogger(&auditBuf)))

	resp, err := e.ProcessRequest(context.Background(), newRequest(t, "https://example.com/"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var dump debugtrace.Dump
	if err := jsonutil.Unmarshal([]byte(readBody(t, resp)), &dump); err != nil {
		t.Fatalf("dump is not json: %v", err)
	}
	if len(dump.Exceptions) != 1 || !strings.Contains(dump.Exceptions[0], "no policies") {
		t.Errorf("unexpected exceptions %v", dump.Exceptions)
	}
	if len(dump.Logs) == 0 {
		t.Error("expected captured logs")
	}
	if !strings.Contains(auditBuf.String(), `"disposition":"forward"`) {
		t.Errorf("expected audit record, got %q", auditBuf.String())
	}
}

func TestProcessRequest_UnsafeDebugDumpFailureIsReported(t *testing.T) {
	fp := &fakePlatform{listErr: errors.New("bad \xff bytes"), assessment: &recaptcha.Assessment{}}
	cfg := testConfig
	cfg.UnsafeDebugDump = true
	e := New(fp, cfg)
	var got []Decision
	e.AddObserver(func(d Decision) { got = append(got, d) })

	if _, err := e.ProcessRequest(context.Background(), newRequest(t, "https://example.com/")); err == nil {
		t.Fatal("expected the dump encoding error")
	}
	if len(got) != 1 || got[0].Error == "" {
		t.Errorf("expected one decision carrying the error, got %+v", got)
	}
}

func TestProcessRequest_RedirectFailureIsError(t *testing.T) {
	fp := &fakePlatform{
		policies:  []policy.FirewallPolicy{{Actions: action.List{action.Redirect{}}}},
		challenge: errors.New("challenge down"),
	}
	e := New(fp, testConfig)

	var got Decision
	e.AddObserver(func(d Decision) { got = d })
	if _, err := e.ProcessRequest(context.Background(), newRequest(t, "https://example.com/")); err == nil {
		t.Fatal("expected error")
	}
	if got.Error == "" || !got.Challenged() {
		t.Errorf("expected failed challenge decision, got %+v", got)
	}
}
