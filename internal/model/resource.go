package model

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// ResourceType classifies what a resource address points at.
type ResourceType string

const (
	ResourceTypeDNS      ResourceType = "dns"
	ResourceTypeCIDR     ResourceType = "cidr"
	ResourceTypeIP       ResourceType = "ip"
	ResourceTypeInternet ResourceType = "internet"
)

func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceTypeDNS, ResourceTypeCIDR, ResourceTypeIP, ResourceTypeInternet:
		return true
	default:
		return false
	}
}

// IPStack selects which address families a DNS resource resolves to.
// Only meaningful for dns resources; empty for every other type.
type IPStack string

const (
	IPStackNone IPStack = ""
	IPStackV4   IPStack = "ipv4"
	IPStackV6   IPStack = "ipv6"
	IPStackDual IPStack = "dual"
)

// FilterProtocol restricts a resource filter to one transport protocol.
type FilterProtocol string

const (
	FilterProtocolTCP  FilterProtocol = "tcp"
	FilterProtocolUDP  FilterProtocol = "udp"
	FilterProtocolICMP FilterProtocol = "icmp"
	FilterProtocolAll  FilterProtocol = "all"
)

// Filter narrows the traffic a resource admits.
type Filter struct {
	Protocol FilterProtocol `json:"protocol"`
	Ports    []string       `json:"ports,omitempty"`
}

// Resource is an addressable target a client may be granted access to.
type Resource struct {
	ID                 ID
	AccountID          ID
	SiteID             ID // zero means no site: the resource is unreachable
	SiteName           string
	Type               ResourceType
	Address            string
	AddressDescription string
	IPStack            IPStack
	Filters            []Filter
	DeletedAt          *time.Time
}

// HasSite reports whether the resource is reachable through a site.
func (r *Resource) HasSite() bool { return !r.SiteID.IsZero() }

// BreakingChange reports whether an update from r to next changes how the
// resource is addressed. Gateways must drop and re-grant access for such
// changes; filter-only updates are served in place.
func (r *Resource) BreakingChange(next *Resource) bool {
	return r.Address != next.Address || r.Type != next.Type || r.IPStack != next.IPStack
}

// FiltersDigest fingerprints the filter list so hooks can cheaply tell
// filter-only updates apart from no-op updates. Order-insensitive.
func (r *Resource) FiltersDigest() uint64 {
	if len(r.Filters) == 0 {
		return 0
	}
	parts := make([]string, 0, len(r.Filters))
	for _, f := range r.Filters {
		parts = append(parts, string(f.Protocol)+"|"+strings.Join(f.Ports, ","))
	}
	sort.Strings(parts)
	return xxh3.HashString(strings.Join(parts, ";"))
}

// NormalizeIPStack applies the defaulting rules: dns resources default to
// dual, and any other type carries no stack at all.
func NormalizeIPStack(typ ResourceType, stack IPStack) IPStack {
	if typ != ResourceTypeDNS {
		return IPStackNone
	}
	if stack == IPStackNone {
		return IPStackDual
	}
	return stack
}

// ValidateAddress checks a resource address for its type. Addresses must
// not embed port numbers and bracket pairs must match; bare and bracketed
// IPv6 literals are both accepted for ip resources.
func ValidateAddress(typ ResourceType, addr string) error {
	if typ == ResourceTypeInternet {
		return nil // the address is ignored for internet resources
	}
	if addr == "" {
		return fmt.Errorf("model: empty %s address", typ)
	}

	opens := strings.Count(addr, "[")
	closes := strings.Count(addr, "]")
	if opens != closes {
		return fmt.Errorf("model: mismatched brackets in address %q", addr)
	}
	if opens > 1 {
		return fmt.Errorf("model: malformed address %q", addr)
	}
	if opens == 1 {
		if typ != ResourceTypeIP {
			return fmt.Errorf("model: brackets are only valid for ip addresses, got %s %q", typ, addr)
		}
		if !strings.HasPrefix(addr, "[") {
			return fmt.Errorf("model: malformed address %q", addr)
		}
		end := strings.IndexByte(addr, ']')
		if rest := addr[end+1:]; rest != "" {
			return fmt.Errorf("model: address %q must not carry a port", addr)
		}
		inner, err := netip.ParseAddr(addr[1:end])
		if err != nil {
			return fmt.Errorf("model: invalid ip address %q: %w", addr, err)
		}
		if !inner.Is6() {
			return fmt.Errorf("model: only ipv6 literals may be bracketed, got %q", addr)
		}
		return nil
	}

	switch typ {
	case ResourceTypeDNS:
		if strings.ContainsAny(addr, ": /") {
			return fmt.Errorf("model: invalid dns address %q", addr)
		}
		for _, label := range strings.Split(strings.TrimPrefix(addr, "*."), ".") {
			if label == "" {
				return fmt.Errorf("model: invalid dns address %q", addr)
			}
		}
		return nil
	case ResourceTypeIP:
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("model: invalid ip address %q: %w", addr, err)
		}
		return nil
	case ResourceTypeCIDR:
		if _, err := netip.ParsePrefix(addr); err != nil {
			return fmt.Errorf("model: invalid cidr address %q: %w", addr, err)
		}
		return nil
	default:
		return fmt.Errorf("model: unknown resource type %q", typ)
	}
}
