package store

import (
	"context"
	"fmt"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// TokenByID fetches a live, unexpired token.
func (s *Store) TokenByID(ctx context.Context, id model.ID) (*model.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, account_id::text, actor_id::text,
			COALESCE(auth_provider_id::text, ''), expires_at
		FROM tokens
		WHERE id = $1 AND deleted_at IS NULL
			AND (expires_at IS NULL OR expires_at > now())`, id.String())

	var (
		t                                     model.Token
		idText, acctText, actorText, provText string
		expiresAt                             *time.Time
	)
	err := row.Scan(&idText, &acctText, &actorText, &provText, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("store: token %s: %w", id, notFound(err))
	}
	t.ID, _ = model.ParseID(idText)
	t.AccountID, _ = model.ParseID(acctText)
	t.ActorID, _ = model.ParseID(actorText)
	if provText != "" {
		t.AuthProviderID, _ = model.ParseID(provText)
	}
	if expiresAt != nil {
		t.ExpiresAt = expiresAt.UTC()
	}
	return &t, nil
}

// DeleteTokensForActor soft-deletes every live token of the actor. Used
// when an actor is disabled; the token hook then disconnects the sockets.
func (s *Store) DeleteTokensForActor(ctx context.Context, actorID model.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tokens SET deleted_at = now()
		WHERE actor_id = $1 AND deleted_at IS NULL`, actorID.String())
	if err != nil {
		return fmt.Errorf("store: delete tokens for actor %s: %w", actorID, err)
	}
	return nil
}

// DeleteTokensForAuthProvider soft-deletes every live token issued through
// the provider. Used when a provider is disabled.
func (s *Store) DeleteTokensForAuthProvider(ctx context.Context, providerID model.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tokens SET deleted_at = now()
		WHERE auth_provider_id = $1 AND deleted_at IS NULL`, providerID.String())
	if err != nil {
		return fmt.Errorf("store: delete tokens for auth provider %s: %w", providerID, err)
	}
	return nil
}
