package store

import (
	"context"
	"fmt"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// InsertFlow persists a new authorization. The expiration must be in the
// future; expired flows are only ever produced by later updates.
func (s *Store) InsertFlow(ctx context.Context, f *model.Flow) error {
	if !f.ExpiresAt.IsZero() && !f.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("store: flow expires_at %s is not in the future", f.ExpiresAt)
	}
	if f.ID.IsZero() {
		f.ID = model.NewID()
	}

	var membershipID any
	if !f.MembershipID.IsZero() {
		membershipID = f.MembershipID.String()
	}
	var expiresAt any
	if !f.ExpiresAt.IsZero() {
		expiresAt = f.ExpiresAt.UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO flows (id, account_id, policy_id, actor_group_membership_id,
			token_id, client_id, gateway_id, resource_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID.String(), f.AccountID.String(), f.PolicyID.String(), membershipID,
		f.TokenID.String(), f.ClientID.String(), f.GatewayID.String(),
		f.ResourceID.String(), expiresAt)
	if err != nil {
		return fmt.Errorf("store: insert flow: %w", err)
	}
	return nil
}

// ActiveFlowsForGateway returns every flow served by the gateway that has
// not expired yet. This is the gateway-cache hydration query.
func (s *Store) ActiveFlowsForGateway(ctx context.Context, gatewayID model.ID, now time.Time) ([]*model.Flow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, account_id::text, policy_id::text,
			COALESCE(actor_group_membership_id::text, ''), token_id::text,
			client_id::text, gateway_id::text, resource_id::text, expires_at
		FROM flows
		WHERE gateway_id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		gatewayID.String(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: flows for gateway %s: %w", gatewayID, err)
	}
	defer rows.Close()

	var flows []*model.Flow
	for rows.Next() {
		var (
			f                                  model.Flow
			idText, acctText, polText, memText string
			tokText, cliText, gwText, resText  string
			expiresAt                          *time.Time
		)
		err := rows.Scan(&idText, &acctText, &polText, &memText, &tokText,
			&cliText, &gwText, &resText, &expiresAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan flow: %w", err)
		}
		f.ID, _ = model.ParseID(idText)
		f.AccountID, _ = model.ParseID(acctText)
		f.PolicyID, _ = model.ParseID(polText)
		if memText != "" {
			f.MembershipID, _ = model.ParseID(memText)
		}
		f.TokenID, _ = model.ParseID(tokText)
		f.ClientID, _ = model.ParseID(cliText)
		f.GatewayID, _ = model.ParseID(gwText)
		f.ResourceID, _ = model.ParseID(resText)
		if expiresAt != nil {
			f.ExpiresAt = expiresAt.UTC()
		}
		flows = append(flows, &f)
	}
	return flows, rows.Err()
}

// ExpireFlowsForPolicy expires every live flow authorized by the policy.
// The update flows back through replication, where the flow hook
// broadcasts the expirations.
func (s *Store) ExpireFlowsForPolicy(ctx context.Context, policyID model.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flows SET expires_at = now()
		WHERE policy_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		policyID.String())
	if err != nil {
		return fmt.Errorf("store: expire flows for policy %s: %w", policyID, err)
	}
	return nil
}

// ExpireFlowsForMembership expires flows that were authorized through the
// given (actor, group) membership.
func (s *Store) ExpireFlowsForMembership(ctx context.Context, actorID, groupID model.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flows SET expires_at = now()
		WHERE client_id IN (SELECT id FROM clients WHERE actor_id = $1)
			AND policy_id IN (SELECT id FROM policies WHERE actor_group_id = $2)
			AND (expires_at IS NULL OR expires_at > now())`,
		actorID.String(), groupID.String())
	if err != nil {
		return fmt.Errorf("store: expire flows for membership: %w", err)
	}
	return nil
}

// ExpireFlowsForClient expires every live flow of the client. Used when a
// client loses device verification.
func (s *Store) ExpireFlowsForClient(ctx context.Context, clientID model.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flows SET expires_at = now()
		WHERE client_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		clientID.String())
	if err != nil {
		return fmt.Errorf("store: expire flows for client %s: %w", clientID, err)
	}
	return nil
}

// ExpireFlowsForResource expires every live flow targeting the resource.
func (s *Store) ExpireFlowsForResource(ctx context.Context, resourceID model.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flows SET expires_at = now()
		WHERE resource_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		resourceID.String())
	if err != nil {
		return fmt.Errorf("store: expire flows for resource %s: %w", resourceID, err)
	}
	return nil
}
