package pipeline

import (
	"time"

	"github.com/coal/recaptchaedge/internal/action"
)

// DispositionForward is reported when the action list names no terminal
// action and the request is forwarded as is.
const DispositionForward = "forward"

// Decision summarizes how one request was handled. It is what observers,
// the audit log and the dashboard receive.
type Decision struct {
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id"`
	Method          string    `json:"method"`
	Host            string    `json:"host,omitempty"`
	Path            string    `json:"path"`
	Disposition     string    `json:"disposition"`
	Actions         []string  `json:"actions"`
	LocalAssessment string    `json:"local_assessment,omitempty"`
	SiteKeyUsed     string    `json:"site_key_used,omitempty"`
	PolicyCache     string    `json:"policy_cache,omitempty"`
	Status          int       `json:"status,omitempty"`
	Exceptions      int       `json:"exceptions"`
	Error           string    `json:"error,omitempty"`
	DurationMS      float64   `json:"duration_ms"`
}

// Blocked reports whether the request was refused outright.
func (d Decision) Blocked() bool {
	return d.Disposition == string(action.KindBlock)
}

// Challenged reports whether the client was sent to the challenge page.
func (d Decision) Challenged() bool {
	return d.Disposition == string(action.KindRedirect) || d.Disposition == string(action.KindChallengePage)
}

// plan is an action list split by phase.
type plan struct {
	// terminal is the last terminal action, or nil.
	terminal action.Action
	// terminals counts every terminal action seen.
	terminals int
	request   []action.Action
	response  []action.Action
}

// planActions partitions actions. When several terminal actions are present
// the last one wins.
func planActions(actions action.List) plan {
	var p plan
	for _, a := range actions {
		switch action.Classify(a) {
		case action.Terminal:
			p.terminal = a
			p.terminals++
		case action.RequestMutation:
			p.request = append(p.request, a)
		case action.ResponseMutation:
			p.response = append(p.response, a)
		}
	}
	return p
}

func (p plan) disposition() string {
	if p.terminal == nil {
		return DispositionForward
	}
	return string(p.terminal.Kind())
}
