// Package debugtrace accumulates per-request diagnostics for the
// X-RECAPTCHA-DEBUG header and the unsafe debug dump.
package debugtrace

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/jsonutil"
)

// HeaderName carries the compact trace when debug is enabled.
const HeaderName = "X-RECAPTCHA-DEBUG"

// Cache outcomes recorded in PolicyCache.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheNegative = "negative"
)

// Trace collects diagnostics for one request. It is created when request
// handling starts and dropped when it ends. All methods accept a nil
// receiver so callers never need to check whether tracing is active.
type Trace struct {
	Start            time.Time
	SiteKeyUsed      string
	PolicyCount      int
	PolicyCache      string
	ListStatus       int
	AssessmentStatus int
	LocalAssessment  string
	Actions          []string

	logs              []LogEntry
	exceptions        []string
	listHeaders       []string
	assessmentHeaders []string
}

// LogEntry is one captured log line.
type LogEntry struct {
	Level    string
	Messages []string
}

// New returns an empty trace started now.
func New() *Trace {
	return &Trace{Start: time.Now()}
}

type ctxKey struct{}

// WithTrace returns a copy of ctx carrying t.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the trace stored in ctx, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(ctxKey{}).(*Trace)
	return t
}

// Run implements zerolog.Hook so a request logger mirrors its entries here.
func (t *Trace) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if t == nil {
		return
	}
	t.logs = append(t.logs, LogEntry{Level: level.String(), Messages: []string{msg}})
}

// RecordException notes an error that was recovered from.
func (t *Trace) RecordException(err error) {
	if t == nil || err == nil {
		return
	}
	t.exceptions = append(t.exceptions, err.Error())
}

// Exceptions returns the recorded exception messages.
func (t *Trace) Exceptions() []string {
	if t == nil {
		return nil
	}
	return t.exceptions
}

// RecordListResponse notes the status and headers of a policy list call.
func (t *Trace) RecordListResponse(status int, h http.Header) {
	if t == nil {
		return
	}
	t.ListStatus = status
	t.listHeaders = flattenHeaders(h)
}

// RecordAssessmentResponse notes the status and headers of an assessment call.
func (t *Trace) RecordAssessmentResponse(status int, h http.Header) {
	if t == nil {
		return
	}
	t.AssessmentStatus = status
	t.assessmentHeaders = flattenHeaders(h)
}

// SetSiteKeyUsed records which site key kind produced the event.
func (t *Trace) SetSiteKeyUsed(kind string) {
	if t != nil {
		t.SiteKeyUsed = kind
	}
}

// SetPolicyCache records the policy cache outcome.
func (t *Trace) SetPolicyCache(outcome string) {
	if t != nil {
		t.PolicyCache = outcome
	}
}

// SiteKind returns the recorded site key kind, or "" for a nil trace.
func (t *Trace) SiteKind() string {
	if t == nil {
		return ""
	}
	return t.SiteKeyUsed
}

// CacheOutcome returns the recorded policy cache outcome, or "" for a nil
// trace.
func (t *Trace) CacheOutcome() string {
	if t == nil {
		return ""
	}
	return t.PolicyCache
}

// SetPolicyCount records how many policies were evaluated locally.
func (t *Trace) SetPolicyCount(n int) {
	if t != nil {
		t.PolicyCount = n
	}
}

// SetLocalAssessment records the local assessment outcome.
func (t *Trace) SetLocalAssessment(outcome string) {
	if t != nil {
		t.LocalAssessment = outcome
	}
}

// SetActions records the resolved action kinds.
func (t *Trace) SetActions(kinds []string) {
	if t != nil {
		t.Actions = kinds
	}
}

// Header formats the trace as a single header value of
// semicolon-separated key=value pairs.
func (t *Trace) Header() string {
	if t == nil {
		return ""
	}
	fields := []string{
		"site_key_used=" + orNone(t.SiteKeyUsed),
		fmt.Sprintf("policy_count=%d", t.PolicyCount),
		"policy_cache=" + orNone(t.PolicyCache),
		fmt.Sprintf("exceptions=%d", len(t.exceptions)),
		fmt.Sprintf("list_firewall_policies_status=%d", t.ListStatus),
		fmt.Sprintf("create_assessment_status=%d", t.AssessmentStatus),
		"local_assessment=" + orNone(t.LocalAssessment),
		"actions=" + orNone(strings.Join(t.Actions, ",")),
		fmt.Sprintf("elapsed_ms=%d", time.Since(t.Start).Milliseconds()),
	}
	return strings.Join(fields, ";")
}

// Dump is the body served in place of the real response when unsafe
// debug dumping is enabled.
type Dump struct {
	Logs              [][2]any `json:"logs"`
	Exceptions        []string `json:"exceptions"`
	ListHeaders       []string `json:"list_firewall_policies_headers"`
	AssessmentHeaders []string `json:"create_assessment_headers"`
}

// Dump snapshots the trace into the debug dump shape.
func (t *Trace) Dump() Dump {
	d := Dump{
		Logs:              [][2]any{},
		Exceptions:        []string{},
		ListHeaders:       []string{},
		AssessmentHeaders: []string{},
	}
	if t == nil {
		return d
	}
	for _, l := range t.logs {
		d.Logs = append(d.Logs, [2]any{l.Level, l.Messages})
	}
	d.Exceptions = append(d.Exceptions, t.exceptions...)
	d.ListHeaders = append(d.ListHeaders, t.listHeaders...)
	d.AssessmentHeaders = append(d.AssessmentHeaders, t.assessmentHeaders...)
	return d
}

// DumpJSON encodes Dump.
func (t *Trace) DumpJSON() ([]byte, error) {
	return jsonutil.Marshal(t.Dump())
}

func flattenHeaders(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, strings.ToLower(k)+":"+v)
		}
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
