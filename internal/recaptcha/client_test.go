package recaptcha

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coal/recaptchaedge/internal/action"
	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/jsonutil"
)

func newTestClient(t *testing.T, srv *httptest.Server, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		Endpoint:      srv.URL,
		APIKey:        "test-key",
		ProjectNumber: 12345,
		Timeout:       time.Second,
		HTTPClient:    srv.Client(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(ClientConfig{APIKey: "k"}, zerolog.Nop())
	assert.True(t, IsKind(err, KindInit), "missing project number must be an InitError")

	_, err = NewClient(ClientConfig{ProjectNumber: 1}, zerolog.Nop())
	assert.True(t, IsKind(err, KindInit), "missing api key must be an InitError")

	_, err = NewClient(ClientConfig{ProjectNumber: 1, APIKey: "k", Endpoint: "::not a url"}, zerolog.Nop())
	assert.True(t, IsKind(err, KindInit))
}

func TestCreateAssessment(t *testing.T) {
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/12345/assessments", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		body, _ := io.ReadAll(r.Body)
		var req createAssessmentRequest
		require.NoError(t, jsonutil.Unmarshal(body, &req))
		gotEvent = *req.Event

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"name": "projects/12345/assessments/abc",
			"riskAnalysis": {"score": 0.9},
			"firewallPolicyAssessment": {
				"firewallPolicy": {"path": "/x", "actions": [{"setHeader": {"key": "k", "value": "v"}}, {"allow": {}}]}
			}
		}`)
	}))
	defer srv.Close()

	trace := debugtrace.New()
	ctx := debugtrace.WithTrace(context.Background(), trace)
	c := newTestClient(t, srv)

	a, err := c.CreateAssessment(ctx, &Event{SiteKey: "sk", Express: true, FirewallPolicyEvaluation: true})
	require.NoError(t, err)

	assert.Equal(t, "sk", gotEvent.SiteKey)
	assert.True(t, gotEvent.Express)
	assert.True(t, gotEvent.FirewallPolicyEvaluation)

	score, ok := a.Score()
	assert.True(t, ok)
	assert.InDelta(t, 0.9, score, 1e-9)
	assert.Equal(t, action.List{action.SetHeader{Key: "k", Value: "v"}, action.Allow{}}, a.FirewallActions())
	assert.Equal(t, http.StatusOK, trace.AssessmentStatus)
}

func TestCreateAssessment_ParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{not json`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateAssessment(context.Background(), &Event{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindParse))
	rcErr, _ := AsError(err)
	assert.Equal(t, action.Allow{}, rcErr.RecommendedAction())
}

func TestCreateAssessment_HTTPErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error": {"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateAssessment(context.Background(), &Event{})
	rcErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, rcErr.Kind)
	assert.Equal(t, http.StatusForbidden, rcErr.Status)
	assert.Contains(t, err.Error(), "API key not valid")
	assert.NotContains(t, err.Error(), "test-key")
}

func TestCreateAssessment_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.Timeout = 20 * time.Millisecond })
	_, err := c.CreateAssessment(context.Background(), &Event{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNetwork))
	assert.NotContains(t, err.Error(), "test-key")
}

func TestListFirewallPolicies_PaginatesAndRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/v1/projects/12345/firewallpolicies", r.URL.Path)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("page_token") == "" {
			io.WriteString(w, `{"firewallPolicies": [{"name": "p1", "path": "/a", "actions": [{"block": {}}]}], "nextPageToken": "next"}`)
			return
		}
		io.WriteString(w, `{"firewallPolicies": [{"name": "p2", "condition": "recaptcha.score < 0.2", "actions": [{"redirect": {}}]}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.ListRetries = 1 })
	policies, err := c.ListFirewallPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "p1", policies[0].Name)
	assert.Equal(t, action.List{action.Block{}}, policies[0].Actions)
	assert.Equal(t, "p2", policies[1].Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListFirewallPolicies_UnknownActionIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"firewallPolicies": [{"actions": [{"explode": {}}]}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListFirewallPolicies(context.Background())
	assert.True(t, IsKind(err, KindParse))
}

func TestRedact(t *testing.T) {
	got := redact("https://example.com/v1/projects/1/assessments?key=secret")
	assert.False(t, strings.Contains(got, "secret"))
}
