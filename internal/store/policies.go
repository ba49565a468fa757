package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/firezone/firezone-sub012/internal/model"
)

// MembershipsForActor returns group id → membership id for every group the
// actor belongs to. The managed "Everyone" group is included for
// non-service-account actors with a zero membership id: its membership is
// synthesized, never stored.
func (s *Store) MembershipsForActor(ctx context.Context, accountID, actorID model.ID) (map[model.ID]model.ID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id::text, m.group_id::text
		FROM actor_group_memberships m
		JOIN actor_groups g ON g.id = m.group_id AND g.deleted_at IS NULL
		WHERE m.account_id = $1 AND m.actor_id = $2`,
		accountID.String(), actorID.String())
	if err != nil {
		return nil, fmt.Errorf("store: memberships for actor %s: %w", actorID, err)
	}
	defer rows.Close()

	memberships := make(map[model.ID]model.ID)
	for rows.Next() {
		var mText, gText string
		if err := rows.Scan(&mText, &gText); err != nil {
			return nil, fmt.Errorf("store: scan membership: %w", err)
		}
		mID, _ := model.ParseID(mText)
		gID, _ := model.ParseID(gText)
		memberships[gID] = mID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: memberships for actor %s: %w", actorID, err)
	}

	actor, err := s.ActorByID(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Type != model.ActorTypeServiceAccount {
		everyoneID, err := s.everyoneGroupID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !everyoneID.IsZero() {
			memberships[everyoneID] = model.ZeroID
		}
	}
	return memberships, nil
}

// everyoneGroupID finds the account's "Everyone" group; zero when absent.
func (s *Store) everyoneGroupID(ctx context.Context, accountID model.ID) (model.ID, error) {
	var idText string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text
		FROM actor_groups
		WHERE account_id = $1 AND type = 'managed' AND name = $2 AND deleted_at IS NULL`,
		accountID.String(), model.EveryoneGroupName).Scan(&idText)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return model.ZeroID, nil
		}
		return model.ZeroID, fmt.Errorf("store: everyone group for account %s: %w", accountID, err)
	}
	id, _ := model.ParseID(idText)
	return id, nil
}

const policyColumns = `id::text, account_id::text, actor_group_id::text, resource_id::text, conditions, disabled_at, deleted_at`

// PoliciesForGroups returns every enabled policy granting access from any
// of the given groups.
func (s *Store) PoliciesForGroups(ctx context.Context, accountID model.ID, groupIDs []model.ID) ([]*model.Policy, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		texts[i] = id.String()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE account_id = $1 AND actor_group_id = ANY($2::uuid[])
			AND disabled_at IS NULL AND deleted_at IS NULL`,
		accountID.String(), texts)
	if err != nil {
		return nil, fmt.Errorf("store: policies for groups: %w", err)
	}
	defer rows.Close()
	return scanPolicies(rows)
}

// PoliciesForActor returns the actor's memberships alongside every enabled
// policy those groups grant. This is the client-cache hydration query.
func (s *Store) PoliciesForActor(ctx context.Context, accountID, actorID model.ID) ([]*model.Policy, map[model.ID]model.ID, error) {
	memberships, err := s.MembershipsForActor(ctx, accountID, actorID)
	if err != nil {
		return nil, nil, err
	}
	groupIDs := make([]model.ID, 0, len(memberships))
	for gID := range memberships {
		groupIDs = append(groupIDs, gID)
	}
	policies, err := s.PoliciesForGroups(ctx, accountID, groupIDs)
	if err != nil {
		return nil, nil, err
	}
	return policies, memberships, nil
}

// PoliciesForResourceActor returns the enabled policies granting the actor
// access to one specific resource, plus the actor's memberships. Used by
// gateway-side reauthorization.
func (s *Store) PoliciesForResourceActor(ctx context.Context, accountID, resourceID, actorID model.ID) ([]*model.Policy, map[model.ID]model.ID, error) {
	memberships, err := s.MembershipsForActor(ctx, accountID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if len(memberships) == 0 {
		return nil, memberships, nil
	}
	texts := make([]string, 0, len(memberships))
	for gID := range memberships {
		texts = append(texts, gID.String())
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE account_id = $1 AND resource_id = $2 AND actor_group_id = ANY($3::uuid[])
			AND disabled_at IS NULL AND deleted_at IS NULL`,
		accountID.String(), resourceID.String(), texts)
	if err != nil {
		return nil, nil, fmt.Errorf("store: policies for resource %s: %w", resourceID, err)
	}
	defer rows.Close()
	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, nil, err
	}
	return policies, memberships, nil
}

// PolicyByID fetches a non-deleted policy, disabled or not.
func (s *Store) PolicyByID(ctx context.Context, id model.ID) (*model.Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE id = $1 AND deleted_at IS NULL`, id.String())
	if err != nil {
		return nil, fmt.Errorf("store: policy %s: %w", id, err)
	}
	defer rows.Close()
	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("store: policy %s: %w", id, ErrNotFound)
	}
	return policies[0], nil
}

func scanPolicies(rows pgx.Rows) ([]*model.Policy, error) {
	var policies []*model.Policy
	for rows.Next() {
		var (
			p                                    model.Policy
			idText, acctText, groupText, resText string
			conditions                           []byte
		)
		err := rows.Scan(&idText, &acctText, &groupText, &resText, &conditions, &p.DisabledAt, &p.DeletedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan policy: %w", err)
		}
		p.ID, _ = model.ParseID(idText)
		p.AccountID, _ = model.ParseID(acctText)
		p.ActorGroupID, _ = model.ParseID(groupText)
		p.ResourceID, _ = model.ParseID(resText)
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
				return nil, fmt.Errorf("store: policy %s conditions: %w", p.ID, err)
			}
		}
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}
