package transport

import (
	"strconv"
	"strings"

	"github.com/firezone/firezone-sub012/internal/model"
)

// Version cutoffs that are protocol constants rather than deployment
// configuration. The deployment-tunable cutoffs live in VersionCompat.
const (
	// minVersionInternetResources is the first client/gateway release that
	// understands the internet resource type.
	minVersionInternetResources = "1.3.0"

	// minVersionIPResources is the first release that understands the ip
	// resource type natively; older peers get a single-address cidr.
	minVersionIPResources = "1.4.0"
)

// VersionCompat centralizes every "is this peer new enough" decision.
// It implements clientsession.Compat and gatewaysession.Compat.
type VersionCompat struct {
	// MinInPlaceResourceUpdates is the first client version that applies
	// site and address changes to a resource in place. Older clients get a
	// delete-then-create toggle instead.
	MinInPlaceResourceUpdates string

	// MinFlowMessages is the first gateway version speaking the flow
	// message vocabulary (authorize_flow / flow_authorized). Older
	// gateways use the legacy allow_access / connection_ready names.
	MinFlowMessages string
}

func NewVersionCompat(minClientInPlace, minGatewayFlow string) *VersionCompat {
	return &VersionCompat{
		MinInPlaceResourceUpdates: minClientInPlace,
		MinFlowMessages:           minGatewayFlow,
	}
}

// InPlaceResourceUpdate reports whether a client at version can apply
// resource site/address changes without delete-then-create.
func (c *VersionCompat) InPlaceResourceUpdate(version string) bool {
	return versionAtLeast(version, c.MinInPlaceResourceUpdates)
}

// LegacyFlowMessages reports whether a gateway at version needs the legacy
// message names.
func (c *VersionCompat) LegacyFlowMessages(version string) bool {
	return !versionAtLeast(version, c.MinFlowMessages)
}

// AdaptResource rewrites a resource for a peer at the given version.
// Returns false when the peer cannot represent the resource at all, in
// which case it is filtered from the peer's view.
func (c *VersionCompat) AdaptResource(r *model.Resource, version string) (*model.Resource, bool) {
	switch r.Type {
	case model.ResourceTypeInternet:
		if !versionAtLeast(version, minVersionInternetResources) {
			return nil, false
		}
	case model.ResourceTypeIP:
		if !versionAtLeast(version, minVersionIPResources) {
			return collapseIPResource(r), true
		}
	}
	return r, true
}

// collapseIPResource turns an ip resource into the single-address cidr form
// older peers understand: /32 for v4, /128 for v6. Bracketed v6 literals
// lose their brackets.
func collapseIPResource(r *model.Resource) *model.Resource {
	out := *r
	out.Type = model.ResourceTypeCIDR

	addr := strings.TrimSuffix(strings.TrimPrefix(r.Address, "["), "]")
	if strings.Contains(addr, ":") {
		out.Address = addr + "/128"
	} else {
		out.Address = addr + "/32"
	}
	return &out
}

// versionAtLeast compares two "major.minor.patch" strings numerically.
// Leading "v" and any pre-release/build suffix are ignored. An
// unparseable version is treated as older than everything: peers that do
// not report a version get the most conservative protocol.
func versionAtLeast(version, min string) bool {
	v, ok := parseVersion(version)
	if !ok {
		return false
	}
	m, ok := parseVersion(min)
	if !ok {
		return true
	}
	for i := 0; i < 3; i++ {
		if v[i] != m[i] {
			return v[i] > m[i]
		}
	}
	return true
}

func parseVersion(s string) ([3]int, bool) {
	var out [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return out, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
