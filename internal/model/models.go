// Package model defines the domain structs shared across the change
// pipeline, the per-connection caches, and the persistence layer.
package model

import "time"

// ActorType classifies the authenticated principal.
type ActorType string

const (
	ActorTypeAdmin          ActorType = "admin"
	ActorTypeUser           ActorType = "user"
	ActorTypeServiceAccount ActorType = "service_account"
)

func (t ActorType) IsValid() bool {
	switch t {
	case ActorTypeAdmin, ActorTypeUser, ActorTypeServiceAccount:
		return true
	default:
		return false
	}
}

// GroupType distinguishes managed groups from directory-synced ones.
type GroupType string

const (
	GroupTypeManaged   GroupType = "managed"
	GroupTypeDirectory GroupType = "directory"
)

// EveryoneGroupName is the managed group that implicitly contains all
// non-service-account actors of an account. Its membership is synthesized,
// never stored.
const EveryoneGroupName = "Everyone"

// Account is the root of every tenant.
type Account struct {
	ID         ID
	Slug       string
	Name       string
	Features   map[string]bool
	DisabledAt *time.Time
	DeletedAt  *time.Time
}

// Actor is the subject of authentication.
type Actor struct {
	ID         ID
	AccountID  ID
	Type       ActorType
	DisabledAt *time.Time
}

// ActorGroup is a set of actors used as the subject of a policy.
type ActorGroup struct {
	ID        ID
	AccountID ID
	Type      GroupType
	Name      string
	Directory string
	IdPID     ID
	DeletedAt *time.Time
}

// Everyone reports whether this is the synthesized-membership group.
func (g *ActorGroup) Everyone() bool {
	return g.Type == GroupTypeManaged && g.Name == EveryoneGroupName
}

// Membership links an actor to a group.
type Membership struct {
	ID           ID
	AccountID    ID
	ActorID      ID
	GroupID      ID
	LastSyncedAt *time.Time
}

// Client is an end-user device connected through the client socket.
// Clients are upserted on socket connect by (account, actor, external id).
type Client struct {
	ID                ID
	AccountID         ID
	ActorID           ID
	ExternalID        string
	PublicKey         string
	IPv4              string
	IPv6              string
	LastSeenUserAgent string
	LastSeenVersion   string
	LastSeenRemoteIP  string
	VerifiedAt        *time.Time
	DeletedAt         *time.Time
}

// Verified reports whether the client passed device verification.
func (c *Client) Verified() bool { return c.VerifiedAt != nil }

// Gateway is a data-plane node reachable through the gateway socket.
// Upserted on connect by (account, site, external id); the first insert
// allocates addresses inside the account's subnet.
type Gateway struct {
	ID              ID
	AccountID       ID
	SiteID          ID
	ExternalID      string
	Name            string
	PublicKey       string
	IPv4            string
	IPv6            string
	LastSeenVersion string
	LastSeenLat     float64
	LastSeenLon     float64
	LocationKnown   bool
	DeletedAt       *time.Time
}

// Site groups gateways; a resource is reachable through its site's gateways.
type Site struct {
	ID        ID
	AccountID ID
	Name      string
}

// Policy grants one actor group access to one resource, guarded by
// conditions.
type Policy struct {
	ID           ID
	AccountID    ID
	ActorGroupID ID
	ResourceID   ID
	Conditions   []Condition
	DisabledAt   *time.Time
	DeletedAt    *time.Time
}

// Enabled reports whether the policy participates in evaluation.
func (p *Policy) Enabled() bool { return p.DisabledAt == nil && p.DeletedAt == nil }

// BreakingChange reports whether an update from p to next must be treated
// as delete+insert for flow-expiration purposes: conditions, actor group,
// or resource changed.
func (p *Policy) BreakingChange(next *Policy) bool {
	if p.ActorGroupID != next.ActorGroupID || p.ResourceID != next.ResourceID {
		return true
	}
	return !EqualConditions(p.Conditions, next.Conditions)
}

// Flow is a persisted authorization for one (client, resource) pair served
// through one gateway.
type Flow struct {
	ID           ID
	AccountID    ID
	PolicyID     ID
	MembershipID ID
	TokenID      ID
	ClientID     ID
	GatewayID    ID
	ResourceID   ID
	ExpiresAt    time.Time
}

// Token is an issued credential (client token, gateway token, portal
// session).
type Token struct {
	ID             ID
	AccountID      ID
	ActorID        ID
	AuthProviderID ID
	ExpiresAt      time.Time
	DeletedAt      *time.Time
}

// AuthProvider is an identity provider configured on an account. Client
// errors from the provider disable it with a human-readable message;
// transient errors only stamp ErroredAt.
type AuthProvider struct {
	ID           ID
	AccountID    ID
	Name         string
	IsDisabled   bool
	ErrorMessage string
	ErroredAt    *time.Time
	DeletedAt    *time.Time
}

// Relay is an intermediary for clients and gateways that cannot connect
// directly. StampSecret seeds ephemeral credential derivation.
type Relay struct {
	ID          ID
	IPv4        string
	IPv6        string
	Port        uint16
	Lat         float64
	Lon         float64
	HasLocation bool
	StampSecret string
}
