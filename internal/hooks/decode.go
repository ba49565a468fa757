package hooks

import (
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/wal"
)

// Per-table decoders from raw replicated rows to model structs. Rows arrive
// as text columns; absent columns were NULL.

func decodeAccount(row wal.Row) *model.Account {
	if row == nil {
		return nil
	}
	a := &model.Account{
		ID:         row.ID("id"),
		Slug:       row.String("slug"),
		Name:       row.String("name"),
		DisabledAt: row.Time("disabled_at"),
		DeletedAt:  row.Time("deleted_at"),
	}
	row.JSON("features", &a.Features)
	return a
}

func decodeActor(row wal.Row) *model.Actor {
	if row == nil {
		return nil
	}
	return &model.Actor{
		ID:         row.ID("id"),
		AccountID:  row.ID("account_id"),
		Type:       model.ActorType(row.String("type")),
		DisabledAt: row.Time("disabled_at"),
	}
}

func decodeMembership(row wal.Row) *model.Membership {
	if row == nil {
		return nil
	}
	return &model.Membership{
		ID:           row.ID("id"),
		AccountID:    row.ID("account_id"),
		ActorID:      row.ID("actor_id"),
		GroupID:      row.ID("group_id"),
		LastSyncedAt: row.Time("last_synced_at"),
	}
}

func decodeClient(row wal.Row) *model.Client {
	if row == nil {
		return nil
	}
	return &model.Client{
		ID:                row.ID("id"),
		AccountID:         row.ID("account_id"),
		ActorID:           row.ID("actor_id"),
		ExternalID:        row.String("external_id"),
		PublicKey:         row.String("public_key"),
		IPv4:              row.String("ipv4"),
		IPv6:              row.String("ipv6"),
		LastSeenUserAgent: row.String("last_seen_user_agent"),
		LastSeenVersion:   row.String("last_seen_version"),
		LastSeenRemoteIP:  row.String("last_seen_remote_ip"),
		VerifiedAt:        row.Time("verified_at"),
		DeletedAt:         row.Time("deleted_at"),
	}
}

func decodeGateway(row wal.Row) *model.Gateway {
	if row == nil {
		return nil
	}
	g := &model.Gateway{
		ID:              row.ID("id"),
		AccountID:       row.ID("account_id"),
		SiteID:          row.ID("site_id"),
		ExternalID:      row.String("external_id"),
		Name:            row.String("name"),
		PublicKey:       row.String("public_key"),
		IPv4:            row.String("ipv4"),
		IPv6:            row.String("ipv6"),
		LastSeenVersion: row.String("last_seen_version"),
		DeletedAt:       row.Time("deleted_at"),
	}
	if lat, okLat := row.Float("last_seen_lat"); okLat {
		if lon, okLon := row.Float("last_seen_lon"); okLon {
			g.LastSeenLat, g.LastSeenLon, g.LocationKnown = lat, lon, true
		}
	}
	return g
}

func decodeSite(row wal.Row) *model.Site {
	if row == nil {
		return nil
	}
	return &model.Site{
		ID:        row.ID("id"),
		AccountID: row.ID("account_id"),
		Name:      row.String("name"),
	}
}

func decodePolicy(row wal.Row) *model.Policy {
	if row == nil {
		return nil
	}
	p := &model.Policy{
		ID:           row.ID("id"),
		AccountID:    row.ID("account_id"),
		ActorGroupID: row.ID("actor_group_id"),
		ResourceID:   row.ID("resource_id"),
		DisabledAt:   row.Time("disabled_at"),
		DeletedAt:    row.Time("deleted_at"),
	}
	row.JSON("conditions", &p.Conditions)
	return p
}

func decodeResource(row wal.Row) *model.Resource {
	if row == nil {
		return nil
	}
	r := &model.Resource{
		ID:                 row.ID("id"),
		AccountID:          row.ID("account_id"),
		SiteID:             row.ID("site_id"),
		Type:               model.ResourceType(row.String("type")),
		Address:            row.String("address"),
		AddressDescription: row.String("address_description"),
		DeletedAt:          row.Time("deleted_at"),
	}
	r.IPStack = model.NormalizeIPStack(r.Type, model.IPStack(row.String("ip_stack")))
	row.JSON("filters", &r.Filters)
	return r
}

func decodeFlow(row wal.Row) *model.Flow {
	if row == nil {
		return nil
	}
	f := &model.Flow{
		ID:           row.ID("id"),
		AccountID:    row.ID("account_id"),
		PolicyID:     row.ID("policy_id"),
		MembershipID: row.ID("actor_group_membership_id"),
		TokenID:      row.ID("token_id"),
		ClientID:     row.ID("client_id"),
		GatewayID:    row.ID("gateway_id"),
		ResourceID:   row.ID("resource_id"),
	}
	if t := row.Time("expires_at"); t != nil {
		f.ExpiresAt = *t
	}
	return f
}

func decodeToken(row wal.Row) *model.Token {
	if row == nil {
		return nil
	}
	t := &model.Token{
		ID:             row.ID("id"),
		AccountID:      row.ID("account_id"),
		ActorID:        row.ID("actor_id"),
		AuthProviderID: row.ID("auth_provider_id"),
		DeletedAt:      row.Time("deleted_at"),
	}
	if e := row.Time("expires_at"); e != nil {
		t.ExpiresAt = *e
	}
	return t
}

func decodeAuthProvider(row wal.Row) *model.AuthProvider {
	if row == nil {
		return nil
	}
	return &model.AuthProvider{
		ID:           row.ID("id"),
		AccountID:    row.ID("account_id"),
		Name:         row.String("name"),
		IsDisabled:   row.Bool("is_disabled"),
		ErrorMessage: row.String("error_message"),
		ErroredAt:    row.Time("errored_at"),
		DeletedAt:    row.Time("deleted_at"),
	}
}
