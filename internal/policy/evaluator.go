// Package policy evaluates a policy's conditions against a client and
// selects the longest-conforming policy for a resource.
package policy

import (
	"net/netip"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// RegionLookup resolves an IP to an ISO country code. A nil lookup makes
// every region condition fail closed.
type RegionLookup interface {
	Lookup(ip netip.Addr) string
}

// Input carries the client attributes conditions evaluate against.
type Input struct {
	AuthProviderID model.ID
	RemoteIP       netip.Addr
	Verified       bool
	// Now is the evaluation instant, UTC.
	Now time.Time
	// TokenExpiresAt bounds every grant; zero means the token never
	// expires.
	TokenExpiresAt time.Time
}

// Decision is the outcome of evaluating one condition list.
type Decision struct {
	OK bool
	// ExpiresAt is the earliest expiring condition's deadline; zero means
	// no condition imposes one.
	ExpiresAt time.Time
	// Violated lists the properties of failed conditions.
	Violated []model.ConditionProperty
}

// Evaluate runs every condition. A policy with no conditions conforms with
// no expiration. Failures are collected, not short-circuited, so callers
// can report the full violated set.
func Evaluate(conds []model.Condition, in Input, regions RegionLookup) Decision {
	var (
		expires  time.Time
		violated []model.ConditionProperty
	)
	for i := range conds {
		ok, exp := evalCondition(&conds[i], in, regions)
		if !ok {
			violated = appendProperty(violated, conds[i].Property)
			continue
		}
		expires = minNonZero(expires, exp)
	}
	if len(violated) > 0 {
		return Decision{Violated: violated}
	}
	return Decision{OK: true, ExpiresAt: expires}
}

// EffectiveExpiry combines a condition deadline with the token deadline,
// taking the earlier of the two and treating zero as "never".
func EffectiveExpiry(condExpires, tokenExpires time.Time) time.Time {
	return minNonZero(condExpires, tokenExpires)
}

// LongestConforming evaluates every enabled policy and returns the one
// whose effective expiry is the latest, treating "never" as furthest out.
// When no policy conforms, ok is false and violated is the deduplicated
// union across all tried policies. Disabled policies are skipped entirely:
// their memberships grant nothing.
func LongestConforming(policies []*model.Policy, in Input, regions RegionLookup) (winner *model.Policy, expiresAt time.Time, violated []model.ConditionProperty, ok bool) {
	for _, p := range policies {
		if !p.Enabled() {
			continue
		}
		dec := Evaluate(p.Conditions, in, regions)
		if !dec.OK {
			for _, prop := range dec.Violated {
				violated = appendProperty(violated, prop)
			}
			continue
		}
		eff := EffectiveExpiry(dec.ExpiresAt, in.TokenExpiresAt)
		if winner == nil || laterTreatingZeroAsInf(eff, expiresAt) {
			winner, expiresAt = p, eff
		}
	}
	if winner == nil {
		return nil, time.Time{}, violated, false
	}
	return winner, expiresAt, nil, true
}

// laterTreatingZeroAsInf reports whether a expires after b, with the zero
// time sorting last (no expiration).
func laterTreatingZeroAsInf(a, b time.Time) bool {
	if a.IsZero() {
		return !b.IsZero()
	}
	if b.IsZero() {
		return false
	}
	return a.After(b)
}

func minNonZero(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func appendProperty(props []model.ConditionProperty, p model.ConditionProperty) []model.ConditionProperty {
	for _, existing := range props {
		if existing == p {
			return props
		}
	}
	return append(props, p)
}
