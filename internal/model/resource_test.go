package model

import "testing"

func TestValidateAddress_DNS(t *testing.T) {
	valid := []string{"example.com", "*.example.com", "internal", "a.b.c.d.example.com"}
	for _, addr := range valid {
		if err := ValidateAddress(ResourceTypeDNS, addr); err != nil {
			t.Fatalf("expected %q valid, got %v", addr, err)
		}
	}
	invalid := []string{"example.com:8080", "example..com", "", "host/path", "a b"}
	for _, addr := range invalid {
		if err := ValidateAddress(ResourceTypeDNS, addr); err == nil {
			t.Fatalf("expected %q invalid", addr)
		}
	}
}

func TestValidateAddress_IP(t *testing.T) {
	valid := []string{"10.0.0.1", "2001:db8::1", "[2001:db8::1]"}
	for _, addr := range valid {
		if err := ValidateAddress(ResourceTypeIP, addr); err != nil {
			t.Fatalf("expected %q valid, got %v", addr, err)
		}
	}
	invalid := []string{
		"[2001:db8::1]:8080", // embedded port
		"[fe00::/1",          // mismatched brackets
		"fe00::]/1",          // mismatched brackets
		"[10.0.0.1]",         // only v6 may be bracketed
		"10.0.0.1:53",
		"",
	}
	for _, addr := range invalid {
		if err := ValidateAddress(ResourceTypeIP, addr); err == nil {
			t.Fatalf("expected %q invalid", addr)
		}
	}
}

func TestValidateAddress_CIDR(t *testing.T) {
	if err := ValidateAddress(ResourceTypeCIDR, "10.0.0.0/24"); err != nil {
		t.Fatalf("expected valid cidr, got %v", err)
	}
	if err := ValidateAddress(ResourceTypeCIDR, "fe00::/8"); err != nil {
		t.Fatalf("expected valid cidr, got %v", err)
	}
	for _, addr := range []string{"10.0.0.0", "[fe00::]/8", "10.0.0.0/33"} {
		if err := ValidateAddress(ResourceTypeCIDR, addr); err == nil {
			t.Fatalf("expected %q invalid", addr)
		}
	}
}

func TestValidateAddress_InternetIgnoresAddress(t *testing.T) {
	if err := ValidateAddress(ResourceTypeInternet, ""); err != nil {
		t.Fatalf("internet resources must accept any address, got %v", err)
	}
}

func TestNormalizeIPStack_Defaulting(t *testing.T) {
	if got := NormalizeIPStack(ResourceTypeDNS, IPStackNone); got != IPStackDual {
		t.Fatalf("dns default: expected dual, got %q", got)
	}
	if got := NormalizeIPStack(ResourceTypeDNS, IPStackV4); got != IPStackV4 {
		t.Fatalf("dns explicit: expected ipv4, got %q", got)
	}
	// ip_stack is cleared whenever the type is not dns.
	if got := NormalizeIPStack(ResourceTypeCIDR, IPStackDual); got != IPStackNone {
		t.Fatalf("cidr: expected empty stack, got %q", got)
	}
}

func TestResource_BreakingChange(t *testing.T) {
	base := &Resource{Type: ResourceTypeDNS, Address: "app.example.com", IPStack: IPStackDual}

	same := *base
	same.Filters = []Filter{{Protocol: FilterProtocolTCP, Ports: []string{"443"}}}
	if base.BreakingChange(&same) {
		t.Fatalf("filter-only change must not be breaking")
	}

	addr := *base
	addr.Address = "db.example.com"
	if !base.BreakingChange(&addr) {
		t.Fatalf("address change must be breaking")
	}

	stack := *base
	stack.IPStack = IPStackV4
	if !base.BreakingChange(&stack) {
		t.Fatalf("ip_stack change must be breaking")
	}
}

func TestResource_FiltersDigest(t *testing.T) {
	a := &Resource{Filters: []Filter{
		{Protocol: FilterProtocolTCP, Ports: []string{"80", "443"}},
		{Protocol: FilterProtocolUDP, Ports: []string{"53"}},
	}}
	b := &Resource{Filters: []Filter{
		{Protocol: FilterProtocolUDP, Ports: []string{"53"}},
		{Protocol: FilterProtocolTCP, Ports: []string{"80", "443"}},
	}}
	if a.FiltersDigest() != b.FiltersDigest() {
		t.Fatalf("digest must be order-insensitive")
	}

	c := &Resource{Filters: []Filter{{Protocol: FilterProtocolTCP, Ports: []string{"80"}}}}
	if a.FiltersDigest() == c.FiltersDigest() {
		t.Fatalf("different filters must digest differently")
	}
	if (&Resource{}).FiltersDigest() != 0 {
		t.Fatalf("no filters must digest to zero")
	}
}

func TestEqualConditions_OrderMatters(t *testing.T) {
	a := []Condition{
		{Property: ConditionRemoteIP, Operator: OperatorIsInCIDR, Values: []string{"10.0.0.0/8"}},
		{Property: ConditionClientVerified, Operator: OperatorIs, Values: []string{"true"}},
	}
	b := []Condition{a[1], a[0]}
	if EqualConditions(a, b) {
		t.Fatalf("reordered conditions must compare unequal")
	}
	if !EqualConditions(a, append([]Condition(nil), a...)) {
		t.Fatalf("identical conditions must compare equal")
	}
}
