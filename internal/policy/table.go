package policy

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/action"
	"github.com/coal/recaptchaedge/internal/debugtrace"
)

// Table is an ordered firewall policy list. Order is significant: it is the
// order the assessment service evaluates policies in.
type Table struct {
	Policies []FirewallPolicy
}

// NewTable copies policies into a table.
func NewTable(policies []FirewallPolicy) *Table {
	p := make([]FirewallPolicy, len(policies))
	copy(p, policies)
	return &Table{Policies: p}
}

// Evaluate resolves u against the table without a remote call.
//
// Policies whose path does not match are skipped. For a path match, a true
// condition returns that policy's actions as-is (an empty list is returned
// empty, not as allow), a false condition moves on to the next policy, and
// an unknown condition stops the scan with RecaptchaRequired. When no
// policy applies the result is [Allow].
func (t *Table) Evaluate(u *url.URL) LocalResult {
	for _, p := range t.Policies {
		if !PathMatch(p, u) {
			continue
		}
		switch ConditionMatch(p) {
		case ConditionUnknown:
			return LocalResult{RecaptchaRequired: true, PolicyName: p.Name}
		case ConditionTrue:
			return LocalResult{Actions: p.Actions, PolicyName: p.Name}
		case ConditionFalse:
			continue
		}
	}
	return LocalResult{Actions: action.List{action.Allow{}}}
}

// LocalAssessment fetches the policy list from lister and evaluates u
// against it. A fetch or decode failure yields RecaptchaRequired; it never
// returns an error and never guesses allow or block.
func LocalAssessment(ctx context.Context, lister Lister, u *url.URL) LocalResult {
	logger := zerolog.Ctx(ctx)
	trace := debugtrace.FromContext(ctx)

	policies, err := lister.ListFirewallPolicies(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("firewall policy list unavailable, assessment required")
		trace.RecordException(err)
		trace.SetLocalAssessment(RecaptchaRequired)
		return required()
	}
	trace.SetPolicyCount(len(policies))

	res := NewTable(policies).Evaluate(u)
	trace.SetLocalAssessment(res.String())
	logger.Debug().
		Str("path", requestPath(u)).
		Str("policy", res.PolicyName).
		Str("result", res.String()).
		Int("policies", len(policies)).
		Msg("local policy assessment")
	return res
}
