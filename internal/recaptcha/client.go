package recaptcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/jsonutil"
	"github.com/coal/recaptchaedge/internal/policy"
)

// DefaultEndpoint is the reCAPTCHA Enterprise REST endpoint.
const DefaultEndpoint = "https://recaptchaenterprise.googleapis.com"

// ClientConfig configures Client.
type ClientConfig struct {
	Endpoint      string
	APIKey        string
	ProjectNumber uint64
	// Timeout bounds every RPC; zero means no client-side deadline.
	Timeout time.Duration
	// ListRetries is how many times a failed policy list GET is retried.
	ListRetries int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// Client calls the CreateAssessment and ListFirewallPolicies RPCs.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	base   *url.URL
	logger zerolog.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, NewInitError("invalid recaptcha endpoint "+cfg.Endpoint, err)
	}
	if cfg.ProjectNumber == 0 {
		return nil, NewInitError("project number is required", nil)
	}
	if cfg.APIKey == "" {
		return nil, NewInitError("api key is required", nil)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, http: hc, base: base, logger: logger}, nil
}

func (c *Client) endpoint(resource string, query url.Values) string {
	u := *c.base
	u.Path = fmt.Sprintf("%s/v1/projects/%d/%s", c.base.Path, c.cfg.ProjectNumber, resource)
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.cfg.APIKey)
	u.RawQuery = query.Encode()
	return u.String()
}

// CreateAssessment sends event for assessment.
func (c *Client) CreateAssessment(ctx context.Context, event *Event) (*Assessment, error) {
	body, err := jsonutil.Marshal(createAssessmentRequest{Event: event})
	if err != nil {
		return nil, NewParseError("encoding assessment request", err)
	}
	status, header, respBody, err := c.do(ctx, http.MethodPost, c.endpoint("assessments", nil), body, 0)
	debugtrace.FromContext(ctx).RecordAssessmentResponse(status, header)
	if err != nil {
		return nil, err
	}

	var a Assessment
	if err := jsonutil.Unmarshal(respBody, &a); err != nil {
		return nil, NewParseError("decoding assessment", err)
	}
	return &a, nil
}

// ListFirewallPolicies fetches the project's firewall policies, in order.
func (c *Client) ListFirewallPolicies(ctx context.Context) ([]policy.FirewallPolicy, error) {
	var (
		out       []policy.FirewallPolicy
		pageToken string
	)
	for {
		q := url.Values{"page_size": {"1000"}}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		status, header, respBody, err := c.do(ctx, http.MethodGet, c.endpoint("firewallpolicies", q), nil, c.cfg.ListRetries)
		debugtrace.FromContext(ctx).RecordListResponse(status, header)
		if err != nil {
			return nil, err
		}
		var page listFirewallPoliciesResponse
		if err := jsonutil.Unmarshal(respBody, &page); err != nil {
			return nil, NewParseError("decoding firewall policies", err)
		}
		out = append(out, page.FirewallPolicies...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// do performs one RPC. Transport errors and 5xx responses are retried up to
// retries times. Deadlines and non-2xx statuses become NetworkErrors.
func (c *Client) do(ctx context.Context, method, target string, body []byte, retries int) (int, http.Header, []byte, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, nil, NewNetworkError(method+" "+redact(target), 0, ctx.Err())
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return 0, nil, nil, NewNetworkError("building request", 0, err)
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			var uerr *url.Error
			if errors.As(err, &uerr) {
				uerr.URL = redact(uerr.URL)
			}
			lastErr = NewNetworkError(method+" "+redact(target), 0, err)
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("recaptcha rpc transport error")
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return 0, nil, nil, lastErr
			}
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.logger.Debug().
			Str("method", method).
			Int("status", resp.StatusCode).
			Dur("latency", time.Since(start)).
			Msg("recaptcha rpc")
		if readErr != nil {
			lastErr = NewNetworkError("reading response", resp.StatusCode, readErr)
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = NewNetworkError(method+" "+redact(target), resp.StatusCode, nil)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, resp.Header, respBody, NewNetworkError(method+" "+redact(target), resp.StatusCode, rpcStatus(respBody))
		}
		return resp.StatusCode, resp.Header, respBody, nil
	}
	return 0, nil, nil, lastErr
}

// rpcStatus extracts the google.rpc.Status message from an error body.
func rpcStatus(body []byte) error {
	var envelope struct {
		Error *Status `json:"error"`
	}
	if err := jsonutil.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	return errors.New(envelope.Error.Message)
}

// redact strips the api key from a URL before it reaches logs or errors.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
