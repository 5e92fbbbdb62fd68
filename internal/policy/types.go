package policy

import (
	"context"

	"github.com/coal/recaptchaedge/internal/action"
)

// FirewallPolicy is a (path, condition, actions) rule evaluated against a
// request. It is read-only once fetched.
type FirewallPolicy struct {
	Name        string      `yaml:"name" json:"name,omitempty"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Path        string      `yaml:"path" json:"path,omitempty"`
	Condition   string      `yaml:"condition" json:"condition,omitempty"`
	Actions     action.List `yaml:"actions" json:"actions,omitempty"`
}

// Lister returns the ordered firewall policy list. Implementations may serve
// it from a cache or fetch it over the network; callers cannot tell which.
type Lister interface {
	ListFirewallPolicies(ctx context.Context) ([]FirewallPolicy, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]FirewallPolicy, error)

// ListFirewallPolicies calls f.
func (f ListerFunc) ListFirewallPolicies(ctx context.Context) ([]FirewallPolicy, error) {
	return f(ctx)
}

// ConditionResult is the tri-state outcome of local condition evaluation.
type ConditionResult int

const (
	ConditionFalse ConditionResult = iota
	ConditionTrue
	// ConditionUnknown means the condition needs server-side terms such as
	// the risk score and cannot be decided locally.
	ConditionUnknown
)

func (c ConditionResult) String() string {
	switch c {
	case ConditionTrue:
		return "true"
	case ConditionFalse:
		return "false"
	default:
		return "unknown"
	}
}

// RecaptchaRequired is the string form of an inconclusive local assessment.
const RecaptchaRequired = "recaptcha-required"

// LocalResult is the outcome of LocalAssessment: either an action list, or
// RecaptchaRequired when only a remote assessment can decide.
type LocalResult struct {
	Actions           action.List
	RecaptchaRequired bool
	// PolicyName is the policy whose actions were returned, if any.
	PolicyName string
}

func (r LocalResult) String() string {
	if r.RecaptchaRequired {
		return RecaptchaRequired
	}
	return "actions"
}

func required() LocalResult {
	return LocalResult{RecaptchaRequired: true}
}
