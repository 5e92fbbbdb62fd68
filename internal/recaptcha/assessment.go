package recaptcha

import (
	"github.com/coal/recaptchaedge/internal/action"
	"github.com/coal/recaptchaedge/internal/policy"
)

// Assessment is the CreateAssessment response. Only the parts that drive
// policy decisions are modelled.
type Assessment struct {
	Name                      string                     `json:"name,omitempty"`
	Event                     *Event                     `json:"event,omitempty"`
	RiskAnalysis              *RiskAnalysis              `json:"riskAnalysis,omitempty"`
	TokenProperties           *TokenProperties           `json:"tokenProperties,omitempty"`
	FirewallPolicyAssessment  *FirewallPolicyAssessment  `json:"firewallPolicyAssessment,omitempty"`
	AccountDefenderAssessment *AccountDefenderAssessment `json:"accountDefenderAssessment,omitempty"`
	Error                     *Status                    `json:"error,omitempty"`
}

// RiskAnalysis carries the score in [0, 1]; higher is more likely human.
type RiskAnalysis struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// TokenProperties describes the token that was assessed.
type TokenProperties struct {
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Hostname      string `json:"hostname,omitempty"`
	Action        string `json:"action,omitempty"`
}

// FirewallPolicyAssessment names the policy the service matched.
type FirewallPolicyAssessment struct {
	FirewallPolicy *policy.FirewallPolicy `json:"firewallPolicy,omitempty"`
	Error          *Status                `json:"error,omitempty"`
}

// AccountDefenderAssessment carries account defender labels and verdicts.
type AccountDefenderAssessment struct {
	Labels            []string `json:"labels,omitempty"`
	RecommendedAction string   `json:"recommendedAction,omitempty"`
	RiskVerdicts      []string `json:"riskVerdicts,omitempty"`
}

// Status is a google.rpc.Status.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// FirewallActions returns the matched policy's actions, or an empty list
// when the assessment names no policy.
func (a *Assessment) FirewallActions() action.List {
	if a == nil || a.FirewallPolicyAssessment == nil || a.FirewallPolicyAssessment.FirewallPolicy == nil {
		return action.List{}
	}
	actions := a.FirewallPolicyAssessment.FirewallPolicy.Actions
	if actions == nil {
		return action.List{}
	}
	return actions
}

// Score returns the risk score, if the assessment has one.
func (a *Assessment) Score() (float64, bool) {
	if a == nil || a.RiskAnalysis == nil {
		return 0, false
	}
	return a.RiskAnalysis.Score, true
}

type createAssessmentRequest struct {
	Event *Event `json:"event"`
}

type listFirewallPoliciesResponse struct {
	FirewallPolicies []policy.FirewallPolicy `json:"firewallPolicies"`
	NextPageToken    string                  `json:"nextPageToken,omitempty"`
}
