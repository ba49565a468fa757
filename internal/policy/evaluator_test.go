package policy

import (
	"net/netip"
	"testing"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

type staticRegions map[string]string

func (r staticRegions) Lookup(ip netip.Addr) string { return r[ip.String()] }

func TestEvaluate_NoConditionsConforms(t *testing.T) {
	dec := Evaluate(nil, Input{Now: time.Now()}, nil)
	if !dec.OK {
		t.Fatalf("expected empty condition list to conform")
	}
	if !dec.ExpiresAt.IsZero() {
		t.Fatalf("expected no expiry, got %v", dec.ExpiresAt)
	}
}

func TestEvaluate_CollectsAllViolations(t *testing.T) {
	conds := []model.Condition{
		{Property: model.ConditionClientVerified, Operator: model.OperatorIs, Values: []string{"true"}},
		{Property: model.ConditionRemoteIP, Operator: model.OperatorIsInCIDR, Values: []string{"10.0.0.0/8"}},
		{Property: model.ConditionClientVerified, Operator: model.OperatorIs, Values: []string{"true"}},
	}
	in := Input{RemoteIP: netip.MustParseAddr("192.0.2.10"), Now: time.Now()}
	dec := Evaluate(conds, in, nil)
	if dec.OK {
		t.Fatalf("expected failure")
	}
	if len(dec.Violated) != 2 {
		t.Fatalf("expected 2 deduplicated violated properties, got %v", dec.Violated)
	}
}

func TestEvaluate_RemoteIPCIDR(t *testing.T) {
	conds := []model.Condition{
		{Property: model.ConditionRemoteIP, Operator: model.OperatorIsInCIDR, Values: []string{"10.0.0.0/8", "172.16.0.0/12"}},
	}
	in := Input{RemoteIP: netip.MustParseAddr("172.20.1.1"), Now: time.Now()}
	if dec := Evaluate(conds, in, nil); !dec.OK {
		t.Fatalf("expected 172.20.1.1 to match 172.16.0.0/12, violated %v", dec.Violated)
	}

	conds[0].Operator = model.OperatorIsNotInCIDR
	if dec := Evaluate(conds, in, nil); dec.OK {
		t.Fatalf("expected is_not_in_cidr to reject 172.20.1.1")
	}

	// Invalid remote IP fails closed regardless of operator.
	if dec := Evaluate(conds, Input{Now: time.Now()}, nil); dec.OK {
		t.Fatalf("expected invalid remote ip to fail")
	}
}

func TestEvaluate_RegionRequiresLookup(t *testing.T) {
	conds := []model.Condition{
		{Property: model.ConditionRemoteIPRegion, Operator: model.OperatorIsIn, Values: []string{"DE", "NL"}},
	}
	ip := netip.MustParseAddr("192.0.2.10")
	in := Input{RemoteIP: ip, Now: time.Now()}

	if dec := Evaluate(conds, in, nil); dec.OK {
		t.Fatalf("expected nil region lookup to fail closed")
	}
	regions := staticRegions{"192.0.2.10": "DE"}
	if dec := Evaluate(conds, in, regions); !dec.OK {
		t.Fatalf("expected DE to conform, violated %v", dec.Violated)
	}
	if dec := Evaluate(conds, in, staticRegions{"192.0.2.10": "US"}); dec.OK {
		t.Fatalf("expected US to be rejected")
	}
}

func TestEvaluate_ClientVerified(t *testing.T) {
	conds := []model.Condition{
		{Property: model.ConditionClientVerified, Operator: model.OperatorIs, Values: []string{"true"}},
	}
	if dec := Evaluate(conds, Input{Verified: true}, nil); !dec.OK {
		t.Fatalf("expected verified client to pass")
	}
	if dec := Evaluate(conds, Input{}, nil); dec.OK {
		t.Fatalf("expected unverified client to fail")
	}

	// "false" (or anything other than true) imposes no requirement.
	conds[0].Values = []string{"false"}
	if dec := Evaluate(conds, Input{}, nil); !dec.OK {
		t.Fatalf("expected non-required verification to pass")
	}
}

func TestEvaluate_UnknownPropertyFailsClosed(t *testing.T) {
	conds := []model.Condition{
		{Property: "device_posture", Operator: model.OperatorIs, Values: []string{"healthy"}},
	}
	if dec := Evaluate(conds, Input{}, nil); dec.OK {
		t.Fatalf("expected unknown property to fail closed")
	}
}

func TestEvaluate_TimeWindowSetsExpiry(t *testing.T) {
	// Wednesday 2026-01-07 10:30 UTC.
	now := time.Date(2026, 1, 7, 10, 30, 0, 0, time.UTC)
	conds := []model.Condition{
		{Property: model.ConditionCurrentDatetime, Operator: model.OperatorIsInDayOfWeekRanges,
			Values: []string{"W/09:00:00-17:00:00/UTC"}},
	}
	dec := Evaluate(conds, Input{Now: now}, nil)
	if !dec.OK {
		t.Fatalf("expected in-window time to conform, violated %v", dec.Violated)
	}
	want := time.Date(2026, 1, 7, 17, 0, 0, 0, time.UTC)
	if !dec.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, dec.ExpiresAt)
	}

	outside := Evaluate(conds, Input{Now: now.Add(12 * time.Hour)}, nil)
	if outside.OK {
		t.Fatalf("expected out-of-window time to fail")
	}
}

func TestEvaluate_EarliestExpiryWins(t *testing.T) {
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	conds := []model.Condition{
		{Property: model.ConditionCurrentDatetime, Operator: model.OperatorIsInDayOfWeekRanges,
			Values: []string{"W/00:00:00-24:00:00/UTC"}},
		{Property: model.ConditionCurrentDatetime, Operator: model.OperatorIsInDayOfWeekRanges,
			Values: []string{"W/09:00:00-12:00:00/UTC"}},
	}
	dec := Evaluate(conds, Input{Now: now}, nil)
	if !dec.OK {
		t.Fatalf("expected conforming, violated %v", dec.Violated)
	}
	want := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)
	if !dec.ExpiresAt.Equal(want) {
		t.Fatalf("expected tighter window to win: want %v, got %v", want, dec.ExpiresAt)
	}
}

func TestEffectiveExpiry(t *testing.T) {
	later := time.Date(2026, 1, 7, 18, 0, 0, 0, time.UTC)
	earlier := later.Add(-2 * time.Hour)

	if got := EffectiveExpiry(later, earlier); !got.Equal(earlier) {
		t.Fatalf("expected token deadline to cap expiry, got %v", got)
	}
	if got := EffectiveExpiry(time.Time{}, earlier); !got.Equal(earlier) {
		t.Fatalf("expected token-only deadline, got %v", got)
	}
	if got := EffectiveExpiry(earlier, time.Time{}); !got.Equal(earlier) {
		t.Fatalf("expected condition-only deadline, got %v", got)
	}
	if got := EffectiveExpiry(time.Time{}, time.Time{}); !got.IsZero() {
		t.Fatalf("expected no deadline, got %v", got)
	}
}

func TestLongestConforming_LatestExpiryWins(t *testing.T) {
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	short := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0001"), Conditions: []model.Condition{
		{Property: model.ConditionCurrentDatetime, Operator: model.OperatorIsInDayOfWeekRanges,
			Values: []string{"W/09:00:00-10:10:00/UTC"}},
	}}
	long := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0002"), Conditions: []model.Condition{
		{Property: model.ConditionCurrentDatetime, Operator: model.OperatorIsInDayOfWeekRanges,
			Values: []string{"W/09:00:00-11:00:00/UTC"}},
	}}

	winner, expiresAt, violated, ok := LongestConforming([]*model.Policy{short, long}, Input{Now: now}, nil)
	if !ok {
		t.Fatalf("expected a winner, violated %v", violated)
	}
	if winner.ID != long.ID {
		t.Fatalf("expected the longer window to win, got %s", winner.ID)
	}
	want := time.Date(2026, 1, 7, 11, 0, 0, 0, time.UTC)
	if !expiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, expiresAt)
	}
}

func TestLongestConforming_ZeroExpiryIsLongest(t *testing.T) {
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	windowed := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0001"), Conditions: []model.Condition{
		{Property: model.ConditionCurrentDatetime, Operator: model.OperatorIsInDayOfWeekRanges,
			Values: []string{"W/09:00:00-11:00:00/UTC"}},
	}}
	unconditional := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0002")}

	winner, expiresAt, _, ok := LongestConforming([]*model.Policy{windowed, unconditional}, Input{Now: now}, nil)
	if !ok {
		t.Fatalf("expected a winner")
	}
	if winner.ID != unconditional.ID {
		t.Fatalf("expected the never-expiring policy to win, got %s", winner.ID)
	}
	if !expiresAt.IsZero() {
		t.Fatalf("expected no expiry, got %v", expiresAt)
	}
}

func TestLongestConforming_SkipsDisabledAndDedupesViolations(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	disabled := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0001"), DisabledAt: &past}
	failing := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0002"), Conditions: []model.Condition{
		{Property: model.ConditionClientVerified, Operator: model.OperatorIs, Values: []string{"true"}},
	}}
	alsoFailing := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0003"), Conditions: []model.Condition{
		{Property: model.ConditionClientVerified, Operator: model.OperatorIs, Values: []string{"true"}},
		{Property: model.ConditionRemoteIP, Operator: model.OperatorIsInCIDR, Values: []string{"10.0.0.0/8"}},
	}}

	in := Input{RemoteIP: netip.MustParseAddr("192.0.2.10"), Now: time.Now()}
	winner, _, violated, ok := LongestConforming([]*model.Policy{disabled, failing, alsoFailing}, in, nil)
	if ok || winner != nil {
		t.Fatalf("expected no winner")
	}
	if len(violated) != 2 {
		t.Fatalf("expected deduplicated union of 2 properties, got %v", violated)
	}
}

func TestLongestConforming_TokenDeadlineCapsWinner(t *testing.T) {
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	tokenExp := now.Add(30 * time.Minute)
	unconditional := &model.Policy{ID: model.MustID("0d7b7806-6b91-4d6e-8a5b-6c8f6d9a0001")}

	_, expiresAt, _, ok := LongestConforming([]*model.Policy{unconditional},
		Input{Now: now, TokenExpiresAt: tokenExp}, nil)
	if !ok {
		t.Fatalf("expected a winner")
	}
	if !expiresAt.Equal(tokenExp) {
		t.Fatalf("expected token deadline %v, got %v", tokenExp, expiresAt)
	}
}
