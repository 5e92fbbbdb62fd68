package recaptcha

import (
	"net"
	"net/http"
	"sort"
	"strings"
)

// TokenHeader carries an action token minted by the reCAPTCHA JS on the page.
const TokenHeader = "X-Recaptcha-Token"

// Site key kinds recorded in the debug trace.
const (
	SiteKindAction    = "action"
	SiteKindSession   = "session"
	SiteKindChallenge = "challenge"
	SiteKindExpress   = "express"
)

// Event is the request feature bag sent with CreateAssessment.
type Event struct {
	Token                    string    `json:"token,omitempty"`
	SiteKey                  string    `json:"siteKey,omitempty"`
	UserAgent                string    `json:"userAgent,omitempty"`
	UserIPAddress            string    `json:"userIpAddress,omitempty"`
	ExpectedAction           string    `json:"expectedAction,omitempty"`
	Express                  bool      `json:"express,omitzero"`
	RequestedURI             string    `json:"requestedUri,omitempty"`
	WAFTokenAssessment       bool      `json:"wafTokenAssessment,omitzero"`
	JA3                      string    `json:"ja3,omitempty"`
	Headers                  []string  `json:"headers,omitempty"`
	FirewallPolicyEvaluation bool      `json:"firewallPolicyEvaluation,omitzero"`
	UserInfo                 *UserInfo `json:"userInfo,omitempty"`
	AdditionalTokens         []string  `json:"additionalTokens,omitempty"`
}

// UserInfo identifies the account behind a request for account defender.
type UserInfo struct {
	AccountID string   `json:"accountId,omitempty"`
	UserIDs   []UserID `json:"userIds,omitempty"`
}

// UserID is one identifier of the account; exactly one field is set.
type UserID struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phoneNumber,omitempty"`
	Username string `json:"username,omitempty"`
}

// SiteKeys are the keys configured for the edge.
type SiteKeys struct {
	Action        string
	Session       string
	ChallengePage string
	Express       string
	// CookieName is the <name> part of the recaptcha-<name>-t and
	// recaptcha-<name>-e cookies.
	CookieName string
}

// Site is the result of token and site key resolution.
type Site struct {
	Kind               string
	SiteKey            string
	Token              string
	Express            bool
	WAFTokenAssessment bool
}

// SessionCookie is the cookie holding a session token.
func (k SiteKeys) SessionCookie() string { return "recaptcha-" + k.cookieName() + "-t" }

// ChallengeCookie is the cookie holding a challenge page token.
func (k SiteKeys) ChallengeCookie() string { return "recaptcha-" + k.cookieName() + "-e" }

func (k SiteKeys) cookieName() string {
	if k.CookieName == "" {
		return "edge"
	}
	return k.CookieName
}

// ResolveSite picks the token and site key for a request: an action token
// header first, then the session cookie, then the challenge cookie, and the
// express site key when no token is present.
func ResolveSite(keys SiteKeys, h http.Header) Site {
	if tok := strings.TrimSpace(h.Get(TokenHeader)); tok != "" && keys.Action != "" {
		return Site{Kind: SiteKindAction, SiteKey: keys.Action, Token: tok, WAFTokenAssessment: true}
	}
	req := http.Request{Header: h}
	if c, err := req.Cookie(keys.SessionCookie()); err == nil && c.Value != "" && keys.Session != "" {
		return Site{Kind: SiteKindSession, SiteKey: keys.Session, Token: c.Value, WAFTokenAssessment: true}
	}
	if c, err := req.Cookie(keys.ChallengeCookie()); err == nil && c.Value != "" && keys.ChallengePage != "" {
		return Site{Kind: SiteKindChallenge, SiteKey: keys.ChallengePage, Token: c.Value, WAFTokenAssessment: true}
	}
	return Site{Kind: SiteKindExpress, SiteKey: keys.Express, Express: true}
}

// Signals are the platform-derived request features.
type Signals struct {
	UserIP       string
	UserAgent    string
	JA3          string
	RequestedURI string
	Headers      []string
}

// ClientIP returns the address of the client: the first X-Forwarded-For
// entry when trustForwarded is set, else the host part of remoteAddr.
func ClientIP(h http.Header, remoteAddr string, trustForwarded bool) string {
	if trustForwarded {
		if xff := h.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// FlattenHeaders renders headers as sorted "key:value" strings. Cookies and
// the token header are left out; the token travels in Event.Token.
func FlattenHeaders(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Cookie", TokenHeader:
			continue
		}
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

// BuildEvent merges site resolution and platform signals into an Event.
func BuildEvent(site Site, sig Signals) *Event {
	return &Event{
		Token:              site.Token,
		SiteKey:            site.SiteKey,
		Express:            site.Express,
		WAFTokenAssessment: site.WAFTokenAssessment,
		UserIPAddress:      sig.UserIP,
		UserAgent:          sig.UserAgent,
		JA3:                sig.JA3,
		RequestedURI:       sig.RequestedURI,
		Headers:            sig.Headers,
	}
}
