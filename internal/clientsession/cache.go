// Package clientsession owns the per-client channel: a materialized view
// of the policies and resources the client's actor can reach, updated
// incrementally from change events and emitting minimal deltas to the
// device.
package clientsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/policy"
	"github.com/firezone/firezone-sub012/internal/store"
)

// Compat adapts a resource to what the client's version understands.
// Returning false filters the resource out entirely.
type Compat interface {
	AdaptResource(r *model.Resource, version string) (*model.Resource, bool)
	// InPlaceResourceUpdate reports whether the version applies address and
	// site changes in place; older versions need delete-then-create.
	InPlaceResourceUpdate(version string) bool
}

// Store is the slice of the database layer the session reads from.
type Store interface {
	PoliciesForActor(ctx context.Context, accountID, actorID model.ID) ([]*model.Policy, map[model.ID]model.ID, error)
	PoliciesForGroups(ctx context.Context, accountID model.ID, groupIDs []model.ID) ([]*model.Policy, error)
	ResourceByID(ctx context.Context, id model.ID) (*model.Resource, error)
	ResourcesByIDs(ctx context.Context, ids []model.ID) ([]*model.Resource, error)
	SiteByID(ctx context.Context, id model.ID) (*model.Site, error)
	InsertFlow(ctx context.Context, f *model.Flow) error
}

// Cache is the client's materialized access state. It is private to the
// owning session goroutine; no locking.
type Cache struct {
	client *model.Client
	token  *model.Token

	policies  map[model.ID]*model.Policy
	resources map[model.ID]*model.Resource
	// memberships maps group id → membership id; the synthesized Everyone
	// membership is present with a zero id.
	memberships map[model.ID]model.ID
	// connectable is the last recompute result, keyed by resource id.
	connectable map[model.ID]*model.Resource
}

func NewCache(client *model.Client, token *model.Token) *Cache {
	return &Cache{
		client:      client,
		token:       token,
		policies:    make(map[model.ID]*model.Policy),
		resources:   make(map[model.ID]*model.Resource),
		memberships: make(map[model.ID]model.ID),
		connectable: make(map[model.ID]*model.Resource),
	}
}

// Hydrate loads every enabled policy of the actor's groups with its
// resource. connectable starts empty; the first recompute fills it.
func (c *Cache) Hydrate(ctx context.Context, st Store) error {
	policies, memberships, err := st.PoliciesForActor(ctx, c.client.AccountID, c.client.ActorID)
	if err != nil {
		return fmt.Errorf("clientsession: hydrate: %w", err)
	}

	resourceIDs := make(map[model.ID]bool)
	for _, p := range policies {
		c.policies[p.ID] = p
		resourceIDs[p.ResourceID] = true
	}
	c.memberships = memberships

	ids := make([]model.ID, 0, len(resourceIDs))
	for id := range resourceIDs {
		ids = append(ids, id)
	}
	resources, err := st.ResourcesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("clientsession: hydrate resources: %w", err)
	}
	for _, r := range resources {
		c.resources[r.ID] = r
	}
	return nil
}

// evalInput builds the evaluator input for this client at now.
func (c *Cache) evalInput(now time.Time) policy.Input {
	remoteIP, _ := netip.ParseAddr(c.client.LastSeenRemoteIP)
	return policy.Input{
		AuthProviderID: c.token.AuthProviderID,
		RemoteIP:       remoteIP,
		Verified:       c.client.Verified(),
		Now:            now,
		TokenExpiresAt: c.token.ExpiresAt,
	}
}

// AuthorizeStatus discriminates authorization outcomes.
type AuthorizeStatus int

const (
	AuthorizeOK AuthorizeStatus = iota
	AuthorizeNotFound
	AuthorizeForbidden
)

// Authorization is a granted access with its provenance.
type Authorization struct {
	Resource     *model.Resource
	MembershipID model.ID
	PolicyID     model.ID
	// ExpiresAt zero means the grant never expires.
	ExpiresAt time.Time
}

// AuthorizeResource selects the longest-conforming policy for a
// connectable resource. Forbidden carries the violated condition
// properties; a missing membership for the winning policy is drift and
// reports not found.
func (c *Cache) AuthorizeResource(resourceID model.ID, regions policy.RegionLookup, now time.Time) (Authorization, []model.ConditionProperty, AuthorizeStatus) {
	resource, ok := c.connectable[resourceID]
	if !ok {
		log.Printf("[clientsession] client %s asked for unknown resource %s", c.client.ID, resourceID)
		return Authorization{}, nil, AuthorizeNotFound
	}

	var candidates []*model.Policy
	for _, p := range c.policies {
		if p.ResourceID == resourceID {
			candidates = append(candidates, p)
		}
	}

	winner, expiresAt, violated, ok := policy.LongestConforming(candidates, c.evalInput(now), regions)
	if !ok {
		return Authorization{}, violated, AuthorizeForbidden
	}
	membershipID, found := c.memberships[winner.ActorGroupID]
	if !found {
		log.Printf("[clientsession] client %s has no membership for group %s (policy %s)",
			c.client.ID, winner.ActorGroupID, winner.ID)
		return Authorization{}, nil, AuthorizeNotFound
	}
	return Authorization{
		Resource:     resource,
		MembershipID: membershipID,
		PolicyID:     winner.ID,
		ExpiresAt:    expiresAt,
	}, nil, AuthorizeOK
}

// RecomputeConnectable rebuilds the connectable set and returns the delta.
// toggle forces one resource into both lists so old clients perform a
// delete-then-create when a resource changed in a way they cannot apply in
// place.
func (c *Cache) RecomputeConnectable(regions policy.RegionLookup, compat Compat, now time.Time, toggle model.ID) (added []*model.Resource, removed []model.ID) {
	in := c.evalInput(now)

	next := make(map[model.ID]*model.Resource)
	for _, p := range c.policies {
		if !p.Enabled() {
			continue
		}
		if _, member := c.memberships[p.ActorGroupID]; !member {
			continue
		}
		if _, done := next[p.ResourceID]; done {
			continue
		}
		resource, cached := c.resources[p.ResourceID]
		if !cached || !resource.HasSite() {
			continue
		}
		dec := policy.Evaluate(p.Conditions, in, regions)
		if !dec.OK {
			continue
		}
		adapted, compatible := compat.AdaptResource(resource, c.client.LastSeenVersion)
		if !compatible {
			continue
		}
		next[p.ResourceID] = adapted
	}

	for id, r := range next {
		if _, had := c.connectable[id]; !had || id == toggle {
			added = append(added, r)
		}
	}
	for id := range c.connectable {
		if _, still := next[id]; !still || id == toggle {
			removed = append(removed, id)
		}
	}
	c.connectable = next
	return added, removed
}

// AddMembership records a new group membership and pulls in the group's
// enabled policies with their resources.
func (c *Cache) AddMembership(ctx context.Context, st Store, m *model.Membership) error {
	c.memberships[m.GroupID] = m.ID
	policies, err := st.PoliciesForGroups(ctx, c.client.AccountID, []model.ID{m.GroupID})
	if err != nil {
		return fmt.Errorf("clientsession: add membership: %w", err)
	}
	for _, p := range policies {
		if err := c.AddPolicy(ctx, st, p); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMembership drops the membership, the group's policies, and any
// resources no remaining policy references.
func (c *Cache) DeleteMembership(groupID model.ID) {
	delete(c.memberships, groupID)
	for id, p := range c.policies {
		if p.ActorGroupID == groupID {
			delete(c.policies, id)
			c.dropOrphanedResource(p.ResourceID)
		}
	}
}

// AddPolicy caches a policy, fetching its resource if unseen. A database
// failure leaves the cache unchanged.
func (c *Cache) AddPolicy(ctx context.Context, st Store, p *model.Policy) error {
	if _, cached := c.resources[p.ResourceID]; !cached {
		resource, err := st.ResourceByID(ctx, p.ResourceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Policy references a resource deleted underneath us; cache
				// the policy anyway, recompute will skip it.
				c.policies[p.ID] = p
				return nil
			}
			return fmt.Errorf("clientsession: add policy %s: %w", p.ID, err)
		}
		c.resources[p.ResourceID] = resource
	}
	c.policies[p.ID] = p
	return nil
}

// UpdatePolicy replaces a cached policy in place, fetching a newly
// referenced resource if needed.
func (c *Cache) UpdatePolicy(ctx context.Context, st Store, p *model.Policy) error {
	old, cached := c.policies[p.ID]
	if err := c.AddPolicy(ctx, st, p); err != nil {
		return err
	}
	if cached && old.ResourceID != p.ResourceID {
		c.dropOrphanedResource(old.ResourceID)
	}
	return nil
}

// DeletePolicy removes a policy and its resource when unreferenced.
func (c *Cache) DeletePolicy(policyID model.ID) {
	p, cached := c.policies[policyID]
	if !cached {
		return
	}
	delete(c.policies, policyID)
	c.dropOrphanedResource(p.ResourceID)
}

// UpdateResource replaces a cached resource. Replicated rows carry no
// denormalized site name, so the cached name is kept while the resource
// stays in the same site; a site move invalidates it and the caller must
// resolve the new site's name. Unknown resources are ignored: no cached
// policy references them.
func (c *Cache) UpdateResource(r *model.Resource) (applied, siteMoved bool) {
	cached, ok := c.resources[r.ID]
	if !ok {
		return false, false
	}
	if r.SiteName == "" && r.SiteID == cached.SiteID {
		clone := *r
		clone.SiteName = cached.SiteName
		r = &clone
	}
	c.resources[r.ID] = r
	return true, r.SiteID != cached.SiteID
}

// DeleteResource removes a resource outright.
func (c *Cache) DeleteResource(resourceID model.ID) {
	delete(c.resources, resourceID)
}

// UpdateSiteName rewrites the denormalized site name on every resource of
// the site and reports the affected resource ids.
func (c *Cache) UpdateSiteName(siteID model.ID, name string) []model.ID {
	var affected []model.ID
	for id, r := range c.resources {
		if r.SiteID == siteID && r.SiteName != name {
			clone := *r
			clone.SiteName = name
			c.resources[id] = &clone
			affected = append(affected, id)
		}
	}
	return affected
}

// HasMembership reports whether the actor is in the group.
func (c *Cache) HasMembership(groupID model.ID) bool {
	_, ok := c.memberships[groupID]
	return ok
}

// Connectable snapshots the current connectable resources.
func (c *Cache) Connectable() []*model.Resource {
	out := make([]*model.Resource, 0, len(c.connectable))
	for _, r := range c.connectable {
		out = append(out, r)
	}
	return out
}

func (c *Cache) dropOrphanedResource(resourceID model.ID) {
	for _, p := range c.policies {
		if p.ResourceID == resourceID {
			return
		}
	}
	delete(c.resources, resourceID)
}
