package recaptcha

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/jsonutil"
	"github.com/coal/recaptchaedge/internal/policy"
	"github.com/coal/recaptchaedge/internal/store"
)

const (
	policyCacheKey = "recaptcha:firewall-policies"
	negativePrefix = "error:"
)

// PolicyCache serves the firewall policy list from a store.Cache, falling
// through to next on a miss. Successful lists are kept for ttl; RPC failures
// that carry an HTTP status are remembered for errTTL so a failing backend
// is not hit on every request.
type PolicyCache struct {
	next   policy.Lister
	cache  store.Cache
	ttl    time.Duration
	errTTL time.Duration
	logger zerolog.Logger
}

// NewPolicyCache wraps next.
func NewPolicyCache(next policy.Lister, cache store.Cache, ttl, errTTL time.Duration, logger zerolog.Logger) *PolicyCache {
	return &PolicyCache{next: next, cache: cache, ttl: ttl, errTTL: errTTL, logger: logger}
}

// ListFirewallPolicies implements policy.Lister.
func (p *PolicyCache) ListFirewallPolicies(ctx context.Context) ([]policy.FirewallPolicy, error) {
	trace := debugtrace.FromContext(ctx)

	raw, err := p.cache.Get(ctx, policyCacheKey)
	switch {
	case err == nil && strings.HasPrefix(raw, negativePrefix):
		trace.SetPolicyCache(debugtrace.CacheNegative)
		status, _ := strconv.Atoi(strings.TrimPrefix(raw, negativePrefix))
		return nil, NewNetworkError("firewall policy list failed recently", status, nil)
	case err == nil:
		var policies []policy.FirewallPolicy
		derr := jsonutil.Unmarshal([]byte(raw), &policies)
		if derr == nil {
			trace.SetPolicyCache(debugtrace.CacheHit)
			return policies, nil
		}
		p.logger.Warn().Err(derr).Msg("discarding undecodable cached policy list")
	case !errors.Is(err, store.ErrMiss):
		p.logger.Warn().Err(err).Msg("policy cache unavailable")
	}

	trace.SetPolicyCache(debugtrace.CacheMiss)
	policies, err := p.next.ListFirewallPolicies(ctx)
	if err != nil {
		if rcErr, ok := AsError(err); ok && rcErr.Status >= 400 && p.errTTL > 0 {
			if serr := p.cache.Set(ctx, policyCacheKey, negativePrefix+strconv.Itoa(rcErr.Status), p.errTTL); serr != nil {
				p.logger.Warn().Err(serr).Msg("caching policy list failure")
			}
		}
		return nil, err
	}

	data, err := jsonutil.Marshal(policies)
	if err != nil {
		return nil, NewParseError("encoding policy list for cache", err)
	}
	if p.ttl > 0 {
		if serr := p.cache.Set(ctx, policyCacheKey, string(data), p.ttl); serr != nil {
			p.logger.Warn().Err(serr).Msg("caching policy list")
		}
	}
	return policies, nil
}

// Invalidate drops the cached list so the next call refetches it.
func (p *PolicyCache) Invalidate(ctx context.Context) error {
	return p.cache.Del(ctx, policyCacheKey)
}
