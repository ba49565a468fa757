package clientsession

import (
	"testing"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// passthroughCompat is the identity Compat: every resource is served as-is.
type passthroughCompat struct{}

func (passthroughCompat) AdaptResource(r *model.Resource, _ string) (*model.Resource, bool) {
	return r, true
}

func (passthroughCompat) InPlaceResourceUpdate(string) bool { return true }

var (
	groupID    = model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43001")
	policyID   = model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43002")
	resourceID = model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43003")
	siteID     = model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43004")
)

func testCache() *Cache {
	client := &model.Client{
		ID:               model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43005"),
		AccountID:        model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43006"),
		ActorID:          model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43007"),
		LastSeenRemoteIP: "192.0.2.10",
		LastSeenVersion:  "1.5.0",
	}
	token := &model.Token{ID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43008")}
	return NewCache(client, token)
}

func seed(c *Cache, p *model.Policy, r *model.Resource, membershipID model.ID) {
	c.policies[p.ID] = p
	if r != nil {
		c.resources[r.ID] = r
	}
	c.memberships[p.ActorGroupID] = membershipID
}

func testPolicy() *model.Policy {
	return &model.Policy{ID: policyID, ActorGroupID: groupID, ResourceID: resourceID}
}

func testResource() *model.Resource {
	return &model.Resource{
		ID:      resourceID,
		SiteID:  siteID,
		Type:    model.ResourceTypeDNS,
		Address: "app.example.com",
		IPStack: model.IPStackDual,
	}
}

func TestCache_RecomputeConnectable(t *testing.T) {
	c := testCache()
	seed(c, testPolicy(), testResource(), model.ID{})

	added, removed := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})
	if len(added) != 1 || added[0].ID != resourceID {
		t.Fatalf("expected the resource added, got %v", added)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed, got %v", removed)
	}

	// A second recompute with no changes is a no-op delta.
	added, removed = c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected empty delta, got added=%v removed=%v", added, removed)
	}
	if got := c.Connectable(); len(got) != 1 {
		t.Fatalf("expected 1 connectable resource, got %d", len(got))
	}
}

func TestCache_RecomputeSkipsSitelessResource(t *testing.T) {
	c := testCache()
	r := testResource()
	r.SiteID = model.ID{}
	seed(c, testPolicy(), r, model.ID{})

	added, _ := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})
	if len(added) != 0 {
		t.Fatalf("expected siteless resource to be unreachable, got %v", added)
	}
}

func TestCache_RecomputeSkipsDisabledPolicy(t *testing.T) {
	c := testCache()
	p := testPolicy()
	past := time.Now().Add(-time.Hour)
	p.DisabledAt = &past
	seed(c, p, testResource(), model.ID{})

	if added, _ := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{}); len(added) != 0 {
		t.Fatalf("expected disabled policy to grant nothing, got %v", added)
	}
}

func TestCache_RecomputeSkipsFailingConditions(t *testing.T) {
	c := testCache()
	p := testPolicy()
	p.Conditions = []model.Condition{
		{Property: model.ConditionClientVerified, Operator: model.OperatorIs, Values: []string{"true"}},
	}
	seed(c, p, testResource(), model.ID{})

	if added, _ := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{}); len(added) != 0 {
		t.Fatalf("expected unverified client to see nothing, got %v", added)
	}
}

func TestCache_RecomputeToggleForcesBothLists(t *testing.T) {
	c := testCache()
	seed(c, testPolicy(), testResource(), model.ID{})
	c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})

	added, removed := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), resourceID)
	if len(added) != 1 || len(removed) != 1 {
		t.Fatalf("expected toggled resource in both lists, got added=%v removed=%v", added, removed)
	}
	if added[0].ID != resourceID || removed[0] != resourceID {
		t.Fatalf("expected the toggled resource, got added=%v removed=%v", added, removed)
	}
}

func TestCache_DeleteMembershipDropsPoliciesAndOrphans(t *testing.T) {
	c := testCache()
	seed(c, testPolicy(), testResource(), model.ID{})
	c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})

	c.DeleteMembership(groupID)
	if c.HasMembership(groupID) {
		t.Fatalf("expected membership gone")
	}
	if _, cached := c.policies[policyID]; cached {
		t.Fatalf("expected the group's policy dropped")
	}
	if _, cached := c.resources[resourceID]; cached {
		t.Fatalf("expected the orphaned resource dropped")
	}

	_, removed := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})
	if len(removed) != 1 || removed[0] != resourceID {
		t.Fatalf("expected the resource removed from connectable, got %v", removed)
	}
}

func TestCache_DeletePolicyKeepsSharedResource(t *testing.T) {
	c := testCache()
	seed(c, testPolicy(), testResource(), model.ID{})
	other := &model.Policy{
		ID:           model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43009"),
		ActorGroupID: groupID,
		ResourceID:   resourceID,
	}
	c.policies[other.ID] = other

	c.DeletePolicy(policyID)
	if _, cached := c.resources[resourceID]; !cached {
		t.Fatalf("expected resource kept while another policy references it")
	}

	c.DeletePolicy(other.ID)
	if _, cached := c.resources[resourceID]; cached {
		t.Fatalf("expected orphaned resource dropped")
	}
}

func TestCache_UpdateResource(t *testing.T) {
	c := testCache()
	seed(c, testPolicy(), testResource(), model.ID{})

	updated := testResource()
	updated.Address = "db.example.com"
	applied, siteMoved := c.UpdateResource(updated)
	if !applied || siteMoved {
		t.Fatalf("expected in-place update, got applied=%v siteMoved=%v", applied, siteMoved)
	}
	if c.resources[resourceID].Address != "db.example.com" {
		t.Fatalf("expected address replaced")
	}

	unknown := testResource()
	unknown.ID = model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43010")
	if applied, _ := c.UpdateResource(unknown); applied {
		t.Fatalf("expected unknown resource to be ignored")
	}
}

func TestCache_UpdateResourceKeepsSiteName(t *testing.T) {
	c := testCache()
	r := testResource()
	r.SiteName = "production"
	seed(c, testPolicy(), r, model.ID{})
	c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})

	// Replicated rows carry the site id but never the site name.
	updated := testResource()
	updated.AddressDescription = "primary app"
	if applied, siteMoved := c.UpdateResource(updated); !applied || siteMoved {
		t.Fatalf("expected in-place update, got applied=%v siteMoved=%v", applied, siteMoved)
	}
	if got := c.resources[resourceID].SiteName; got != "production" {
		t.Fatalf("expected site name carried forward, got %q", got)
	}

	added, _ := c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), resourceID)
	if len(added) != 1 || added[0].SiteName != "production" {
		t.Fatalf("expected the recomputed resource to keep its site name, got %v", added)
	}
}

func TestCache_UpdateResourceSiteMove(t *testing.T) {
	c := testCache()
	r := testResource()
	r.SiteName = "production"
	seed(c, testPolicy(), r, model.ID{})

	moved := testResource()
	moved.SiteID = model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43012")
	applied, siteMoved := c.UpdateResource(moved)
	if !applied || !siteMoved {
		t.Fatalf("expected site move, got applied=%v siteMoved=%v", applied, siteMoved)
	}
	// The old site's name must not leak onto the new site.
	if got := c.resources[resourceID].SiteName; got != "" {
		t.Fatalf("expected stale site name dropped, got %q", got)
	}
}

func TestCache_UpdateSiteName(t *testing.T) {
	c := testCache()
	r := testResource()
	r.SiteName = "old"
	seed(c, testPolicy(), r, model.ID{})

	affected := c.UpdateSiteName(siteID, "new")
	if len(affected) != 1 || affected[0] != resourceID {
		t.Fatalf("expected 1 affected resource, got %v", affected)
	}
	if c.resources[resourceID].SiteName != "new" {
		t.Fatalf("expected site name rewritten")
	}
	if r.SiteName != "old" {
		t.Fatalf("expected the original resource untouched")
	}

	// Same name again is a no-op.
	if affected := c.UpdateSiteName(siteID, "new"); len(affected) != 0 {
		t.Fatalf("expected no-op, got %v", affected)
	}
}

func TestCache_AuthorizeResource(t *testing.T) {
	c := testCache()
	membershipID := model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43011")
	seed(c, testPolicy(), testResource(), membershipID)
	c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})

	auth, violated, status := c.AuthorizeResource(resourceID, nil, time.Now())
	if status != AuthorizeOK {
		t.Fatalf("expected ok, got %v (violated %v)", status, violated)
	}
	if auth.Resource.ID != resourceID || auth.PolicyID != policyID || auth.MembershipID != membershipID {
		t.Fatalf("unexpected authorization %+v", auth)
	}
	if !auth.ExpiresAt.IsZero() {
		t.Fatalf("expected no expiry, got %v", auth.ExpiresAt)
	}
}

func TestCache_AuthorizeResource_NotConnectable(t *testing.T) {
	c := testCache()
	_, _, status := c.AuthorizeResource(resourceID, nil, time.Now())
	if status != AuthorizeNotFound {
		t.Fatalf("expected not found, got %v", status)
	}
}

func TestCache_AuthorizeResource_Forbidden(t *testing.T) {
	c := testCache()
	p := testPolicy()
	p.Conditions = []model.Condition{
		{Property: model.ConditionRemoteIP, Operator: model.OperatorIsInCIDR, Values: []string{"10.0.0.0/8"}},
	}
	seed(c, p, testResource(), model.ID{})
	// Force the resource connectable despite the failing condition; access
	// can be revoked between a recompute and the connect attempt.
	c.connectable[resourceID] = c.resources[resourceID]

	_, violated, status := c.AuthorizeResource(resourceID, nil, time.Now())
	if status != AuthorizeForbidden {
		t.Fatalf("expected forbidden, got %v", status)
	}
	if len(violated) != 1 || violated[0] != model.ConditionRemoteIP {
		t.Fatalf("expected remote_ip violation, got %v", violated)
	}
}

func TestCache_AuthorizeResource_TokenCapsExpiry(t *testing.T) {
	c := testCache()
	exp := time.Now().Add(time.Hour)
	c.token.ExpiresAt = exp
	seed(c, testPolicy(), testResource(), model.ID{})
	c.RecomputeConnectable(nil, passthroughCompat{}, time.Now(), model.ID{})

	auth, _, status := c.AuthorizeResource(resourceID, nil, time.Now())
	if status != AuthorizeOK {
		t.Fatalf("expected ok, got %v", status)
	}
	if !auth.ExpiresAt.Equal(exp) {
		t.Fatalf("expected token deadline %v, got %v", exp, auth.ExpiresAt)
	}
}
