package pipeline

import (
	"context"

	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/recaptcha"
)

// Platform is the set of capabilities an edge adapter supplies to the
// engine. The engine never depends on the adapter's own types.
type Platform interface {
	policy.Lister

	// CreateAssessment sends event to the assessment service.
	CreateAssessment(ctx context.Context, event *recaptcha.Event) (*recaptcha.Assessment, error)

	// FetchChallengePage POSTs to the challenge page endpoint with the
	// encoded Soz payload in the X-ReCaptcha-Soz header.
	FetchChallengePage(ctx context.Context, req Request, soz string) (*Response, error)

	// FetchOrigin forwards req to the protected origin.
	FetchOrigin(ctx context.Context, req Request) (*Response, error)

	// BuildEvent derives the assessment event for req.
	BuildEvent(ctx context.Context, req Request) (*recaptcha.Event, error)

	// InjectJS returns resp with the session script placed in its body. The
	// returned body may still be transforming when InjectJS returns.
	InjectJS(ctx context.Context, resp *Response) (*Response, error)
}
