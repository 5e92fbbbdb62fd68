// Package action models the firewall actions a policy can carry.
//
// Action is a closed set: every concrete type lives in this package and the
// unexported marker method keeps other packages from adding more. Code that
// branches on an action goes through Classify, whose type switch panics on a
// kind it does not know about, so adding a kind forces every switch to be
// revisited.
package action

import "fmt"

// Kind names an action variant. The values match the keys used by the
// reCAPTCHA Enterprise FirewallAction JSON object.
type Kind string

const (
	KindAllow         Kind = "allow"
	KindBlock         Kind = "block"
	KindChallengePage Kind = "challengePage"
	KindSetHeader     Kind = "setHeader"
	KindRedirect      Kind = "redirect"
	KindSubstitute    Kind = "substitute"
	KindInjectJS      Kind = "includeRecaptchaScript"
)

// Class groups actions by the phase that consumes them.
type Class int

const (
	// Terminal actions decide the final disposition of the request.
	Terminal Class = iota + 1
	// RequestMutation actions change the request before it reaches the origin.
	RequestMutation
	// ResponseMutation actions change the origin response.
	ResponseMutation
)

func (c Class) String() string {
	switch c {
	case Terminal:
		return "terminal"
	case RequestMutation:
		return "request"
	case ResponseMutation:
		return "response"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Action is one firewall action.
type Action interface {
	Kind() Kind
	String() string
	isAction()
}

// Allow lets the request through to the origin.
type Allow struct{}

// Block answers with 403 and never contacts the origin.
type Block struct{}

// ChallengePage serves a challenge in place of the origin response.
type ChallengePage struct{}

// SetHeader adds a header to the forwarded request.
type SetHeader struct {
	Key   string
	Value string
}

// Redirect replaces the origin response with the challenge page response.
type Redirect struct{}

// Substitute rewrites the path of the forwarded request.
type Substitute struct {
	Path string
}

// InjectJS injects the reCAPTCHA session script into an HTML response.
type InjectJS struct{}

func (Allow) Kind() Kind         { return KindAllow }
func (Block) Kind() Kind         { return KindBlock }
func (ChallengePage) Kind() Kind { return KindChallengePage }
func (SetHeader) Kind() Kind     { return KindSetHeader }
func (Redirect) Kind() Kind      { return KindRedirect }
func (Substitute) Kind() Kind    { return KindSubstitute }
func (InjectJS) Kind() Kind      { return KindInjectJS }

func (Allow) String() string         { return string(KindAllow) }
func (Block) String() string         { return string(KindBlock) }
func (ChallengePage) String() string { return string(KindChallengePage) }
func (a SetHeader) String() string   { return fmt.Sprintf("%s(%s=%s)", KindSetHeader, a.Key, a.Value) }
func (Redirect) String() string      { return string(KindRedirect) }
func (a Substitute) String() string  { return fmt.Sprintf("%s(%s)", KindSubstitute, a.Path) }
func (InjectJS) String() string      { return string(KindInjectJS) }

func (Allow) isAction()         {}
func (Block) isAction()         {}
func (ChallengePage) isAction() {}
func (SetHeader) isAction()     {}
func (Redirect) isAction()      {}
func (Substitute) isAction()    {}
func (InjectJS) isAction()      {}

// Classify returns the class of a. Redirect is terminal: it never reaches
// the origin, even though it is built from request context.
// An action outside the closed set is a programming error and panics.
func Classify(a Action) Class {
	switch a.(type) {
	case Allow, Block, ChallengePage, Redirect:
		return Terminal
	case SetHeader, Substitute:
		return RequestMutation
	case InjectJS:
		return ResponseMutation
	default:
		panic(fmt.Sprintf("action: unhandled action %T", a))
	}
}

// IsTerminal reports whether a decides the final disposition.
func IsTerminal(a Action) bool { return Classify(a) == Terminal }

// IsRequestMutation reports whether a mutates the request before forwarding.
func IsRequestMutation(a Action) bool { return Classify(a) == RequestMutation }

// IsResponseMutation reports whether a mutates the origin response.
func IsResponseMutation(a Action) bool { return Classify(a) == ResponseMutation }

// Kinds returns the kinds of actions, in order.
func Kinds(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a.Kind()))
	}
	return out
}
