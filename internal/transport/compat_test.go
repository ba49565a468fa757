package transport

import (
	"testing"

	"github.com/firezone/firezone-sub012/internal/model"
)

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		version, min string
		want         bool
	}{
		{"1.4.0", "1.4.0", true},
		{"1.4.1", "1.4.0", true},
		{"1.5.0", "1.4.9", true},
		{"2.0.0", "1.9.9", true},
		{"1.3.9", "1.4.0", false},
		{"0.9.0", "1.0.0", false},
		{"v1.4.0", "1.4.0", true},
		{"1.4.0-beta.1", "1.4.0", true},
		{"1.4", "1.4.0", true},
		{"", "1.0.0", false},
		{"garbage", "1.0.0", false},
		{"1.4.0", "", true},
	}
	for _, c := range cases {
		if got := versionAtLeast(c.version, c.min); got != c.want {
			t.Fatalf("versionAtLeast(%q, %q) = %v, want %v", c.version, c.min, got, c.want)
		}
	}
}

func TestVersionCompat_AdaptResource_Internet(t *testing.T) {
	compat := NewVersionCompat("1.2.0", "1.2.0")
	r := &model.Resource{Type: model.ResourceTypeInternet}

	if _, ok := compat.AdaptResource(r, "1.2.9"); ok {
		t.Fatalf("expected internet resource filtered for old peers")
	}
	got, ok := compat.AdaptResource(r, "1.3.0")
	if !ok || got != r {
		t.Fatalf("expected internet resource passed through unchanged")
	}
}

func TestVersionCompat_AdaptResource_IPCollapse(t *testing.T) {
	compat := NewVersionCompat("1.2.0", "1.2.0")

	v4 := &model.Resource{Type: model.ResourceTypeIP, Address: "10.0.0.1"}
	got, ok := compat.AdaptResource(v4, "1.3.0")
	if !ok {
		t.Fatalf("expected collapse, not filtering")
	}
	if got.Type != model.ResourceTypeCIDR || got.Address != "10.0.0.1/32" {
		t.Fatalf("expected 10.0.0.1/32 cidr, got %s %s", got.Type, got.Address)
	}
	if v4.Type != model.ResourceTypeIP {
		t.Fatalf("expected the original resource untouched")
	}

	v6 := &model.Resource{Type: model.ResourceTypeIP, Address: "[2001:db8::1]"}
	got, ok = compat.AdaptResource(v6, "1.3.0")
	if !ok || got.Address != "2001:db8::1/128" {
		t.Fatalf("expected unbracketed /128 cidr, got %s", got.Address)
	}

	got, ok = compat.AdaptResource(v4, "1.4.0")
	if !ok || got != v4 {
		t.Fatalf("expected native ip resource for 1.4.0")
	}
}

func TestVersionCompat_ConfiguredCutoffs(t *testing.T) {
	compat := NewVersionCompat("1.2.0", "1.1.0")

	if compat.InPlaceResourceUpdate("1.1.9") {
		t.Fatalf("expected delete-then-create for old clients")
	}
	if !compat.InPlaceResourceUpdate("1.2.0") {
		t.Fatalf("expected in-place updates for 1.2.0")
	}

	if !compat.LegacyFlowMessages("1.0.5") {
		t.Fatalf("expected legacy vocabulary for old gateways")
	}
	if compat.LegacyFlowMessages("1.1.0") {
		t.Fatalf("expected flow vocabulary for 1.1.0")
	}
	// Versionless peers get the most conservative protocol.
	if !compat.LegacyFlowMessages("") {
		t.Fatalf("expected legacy vocabulary for unknown versions")
	}
}
