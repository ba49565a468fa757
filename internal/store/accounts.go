package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firezone/firezone-sub012/internal/model"
)

// AccountByID fetches a live account.
func (s *Store) AccountByID(ctx context.Context, id model.ID) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, slug, name, features, disabled_at, deleted_at
		FROM accounts
		WHERE id = $1 AND deleted_at IS NULL`, id.String())

	var (
		a        model.Account
		idText   string
		features []byte
	)
	err := row.Scan(&idText, &a.Slug, &a.Name, &features, &a.DisabledAt, &a.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("store: account %s: %w", id, notFound(err))
	}
	a.ID, _ = model.ParseID(idText)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &a.Features); err != nil {
			return nil, fmt.Errorf("store: account %s features: %w", id, err)
		}
	}
	return &a, nil
}

// ActorByID fetches an actor regardless of disabled state; callers decide
// what a disabled actor means for them.
func (s *Store) ActorByID(ctx context.Context, id model.ID) (*model.Actor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, account_id::text, type, disabled_at
		FROM actors
		WHERE id = $1`, id.String())

	var (
		a                model.Actor
		idText, acctText string
		typ              string
	)
	if err := row.Scan(&idText, &acctText, &typ, &a.DisabledAt); err != nil {
		return nil, fmt.Errorf("store: actor %s: %w", id, notFound(err))
	}
	a.ID, _ = model.ParseID(idText)
	a.AccountID, _ = model.ParseID(acctText)
	a.Type = model.ActorType(typ)
	return &a, nil
}

// SiteByID fetches a site.
func (s *Store) SiteByID(ctx context.Context, id model.ID) (*model.Site, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, account_id::text, name
		FROM sites
		WHERE id = $1`, id.String())

	var (
		site             model.Site
		idText, acctText string
	)
	if err := row.Scan(&idText, &acctText, &site.Name); err != nil {
		return nil, fmt.Errorf("store: site %s: %w", id, notFound(err))
	}
	site.ID, _ = model.ParseID(idText)
	site.AccountID, _ = model.ParseID(acctText)
	return &site, nil
}
