package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/firezone/firezone-sub012/internal/model"
)

// UpsertGateway inserts or refreshes a gateway keyed by (account, site,
// external id). The first insert allocates tunnel addresses; the existing
// row is looked up first so reconnects never draw addresses the conflict
// clause would discard.
func (s *Store) UpsertGateway(ctx context.Context, g *model.Gateway) (*model.Gateway, error) {
	if err := validatePublicKey(g.PublicKey); err != nil {
		return nil, err
	}
	if g.ID.IsZero() {
		g.ID = model.NewID()
	}
	var ipv4, ipv6 string
	err := s.pool.QueryRow(ctx, `
		SELECT ipv4, ipv6 FROM gateways
		WHERE account_id = $1 AND site_id = $2 AND external_id = $3`,
		g.AccountID.String(), g.SiteID.String(), g.ExternalID).Scan(&ipv4, &ipv6)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if ipv4, ipv6, err = s.allocateAddresses(ctx, g.AccountID.String()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("store: upsert gateway %s: %w", g.ExternalID, err)
	}

	var lat, lon any
	if g.LocationKnown {
		lat, lon = g.LastSeenLat, g.LastSeenLon
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO gateways (id, account_id, site_id, external_id, name, public_key,
			ipv4, ipv6, last_seen_version, last_seen_lat, last_seen_lon)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, site_id, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			public_key = EXCLUDED.public_key,
			last_seen_version = EXCLUDED.last_seen_version,
			last_seen_lat = COALESCE(EXCLUDED.last_seen_lat, gateways.last_seen_lat),
			last_seen_lon = COALESCE(EXCLUDED.last_seen_lon, gateways.last_seen_lon),
			deleted_at = NULL
		RETURNING id::text, ipv4, ipv6`,
		g.ID.String(), g.AccountID.String(), g.SiteID.String(), g.ExternalID,
		g.Name, g.PublicKey, ipv4, ipv6, g.LastSeenVersion, lat, lon)

	var idText string
	if err := row.Scan(&idText, &g.IPv4, &g.IPv6); err != nil {
		return nil, fmt.Errorf("store: upsert gateway %s: %w", g.ExternalID, err)
	}
	g.ID, _ = model.ParseID(idText)
	return g, nil
}

// GatewayByID fetches a non-deleted gateway.
func (s *Store) GatewayByID(ctx context.Context, id model.ID) (*model.Gateway, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, account_id::text, site_id::text, external_id, COALESCE(name, ''),
			public_key, ipv4, ipv6, COALESCE(last_seen_version, ''),
			last_seen_lat, last_seen_lon, deleted_at
		FROM gateways
		WHERE id = $1 AND deleted_at IS NULL`, id.String())

	var (
		g                          model.Gateway
		idText, acctText, siteText string
		lat, lon                   *float64
	)
	err := row.Scan(&idText, &acctText, &siteText, &g.ExternalID, &g.Name,
		&g.PublicKey, &g.IPv4, &g.IPv6, &g.LastSeenVersion, &lat, &lon, &g.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("store: gateway %s: %w", id, notFound(err))
	}
	g.ID, _ = model.ParseID(idText)
	g.AccountID, _ = model.ParseID(acctText)
	g.SiteID, _ = model.ParseID(siteText)
	if lat != nil && lon != nil {
		g.LastSeenLat, g.LastSeenLon, g.LocationKnown = *lat, *lon, true
	}
	return &g, nil
}
