package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/firezone/firezone-sub012/internal/model"
)

// validatePublicKey checks the 44-character base64 form of a 32-byte
// WireGuard key.
func validatePublicKey(key string) error {
	if len(key) != 44 {
		return fmt.Errorf("store: public key must be 44 characters, got %d", len(key))
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("store: public key is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("store: public key must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// UpsertClient inserts or refreshes a client keyed by (account, actor,
// external id). The first insert allocates tunnel addresses; reconnects
// keep them and refresh the key and last-seen fields. The existing row is
// looked up first so reconnects never draw addresses the conflict clause
// would discard. Soft-deleted rows count: they keep their addresses when
// revived.
func (s *Store) UpsertClient(ctx context.Context, c *model.Client) (*model.Client, error) {
	if err := validatePublicKey(c.PublicKey); err != nil {
		return nil, err
	}
	if c.ID.IsZero() {
		c.ID = model.NewID()
	}
	var ipv4, ipv6 string
	err := s.pool.QueryRow(ctx, `
		SELECT ipv4, ipv6 FROM clients
		WHERE account_id = $1 AND actor_id = $2 AND external_id = $3`,
		c.AccountID.String(), c.ActorID.String(), c.ExternalID).Scan(&ipv4, &ipv6)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if ipv4, ipv6, err = s.allocateAddresses(ctx, c.AccountID.String()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("store: upsert client %s: %w", c.ExternalID, err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO clients (id, account_id, actor_id, external_id, public_key,
			ipv4, ipv6, last_seen_user_agent, last_seen_version, last_seen_remote_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, actor_id, external_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			last_seen_user_agent = EXCLUDED.last_seen_user_agent,
			last_seen_version = EXCLUDED.last_seen_version,
			last_seen_remote_ip = EXCLUDED.last_seen_remote_ip,
			deleted_at = NULL
		RETURNING id::text, ipv4, ipv6, verified_at`,
		c.ID.String(), c.AccountID.String(), c.ActorID.String(), c.ExternalID,
		c.PublicKey, ipv4, ipv6, c.LastSeenUserAgent, c.LastSeenVersion, c.LastSeenRemoteIP)

	var idText string
	if err := row.Scan(&idText, &c.IPv4, &c.IPv6, &c.VerifiedAt); err != nil {
		return nil, fmt.Errorf("store: upsert client %s: %w", c.ExternalID, err)
	}
	c.ID, _ = model.ParseID(idText)
	return c, nil
}

// ClientByID fetches a non-deleted client.
func (s *Store) ClientByID(ctx context.Context, id model.ID) (*model.Client, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, account_id::text, actor_id::text, external_id, public_key,
			ipv4, ipv6, COALESCE(last_seen_user_agent, ''), COALESCE(last_seen_version, ''),
			COALESCE(last_seen_remote_ip, ''), verified_at, deleted_at
		FROM clients
		WHERE id = $1 AND deleted_at IS NULL`, id.String())

	var (
		c                           model.Client
		idText, acctText, actorText string
	)
	err := row.Scan(&idText, &acctText, &actorText, &c.ExternalID, &c.PublicKey,
		&c.IPv4, &c.IPv6, &c.LastSeenUserAgent, &c.LastSeenVersion,
		&c.LastSeenRemoteIP, &c.VerifiedAt, &c.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("store: client %s: %w", id, notFound(err))
	}
	c.ID, _ = model.ParseID(idText)
	c.AccountID, _ = model.ParseID(acctText)
	c.ActorID, _ = model.ParseID(actorText)
	return &c, nil
}
