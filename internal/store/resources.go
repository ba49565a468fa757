package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/firezone/firezone-sub012/internal/model"
)

const resourceColumns = `r.id::text, r.account_id::text, COALESCE(r.site_id::text, ''),
	COALESCE(s.name, ''), r.type, COALESCE(r.address, ''), COALESCE(r.address_description, ''),
	COALESCE(r.ip_stack, ''), r.filters, r.deleted_at`

const resourceFrom = `FROM resources r LEFT JOIN sites s ON s.id = r.site_id`

// ResourceByID fetches a non-deleted resource with its site name
// denormalized in.
func (s *Store) ResourceByID(ctx context.Context, id model.ID) (*model.Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+`
		`+resourceFrom+`
		WHERE r.id = $1 AND r.deleted_at IS NULL`, id.String())
	if err != nil {
		return nil, fmt.Errorf("store: resource %s: %w", id, err)
	}
	defer rows.Close()
	resources, err := scanResources(rows)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("store: resource %s: %w", id, ErrNotFound)
	}
	return resources[0], nil
}

// ResourcesByIDs fetches a batch of non-deleted resources. Missing ids are
// simply absent from the result.
func (s *Store) ResourcesByIDs(ctx context.Context, ids []model.ID) ([]*model.Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	texts := make([]string, len(ids))
	for i, id := range ids {
		texts[i] = id.String()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+`
		`+resourceFrom+`
		WHERE r.id = ANY($1::uuid[]) AND r.deleted_at IS NULL`, texts)
	if err != nil {
		return nil, fmt.Errorf("store: resources by ids: %w", err)
	}
	defer rows.Close()
	return scanResources(rows)
}

func scanResources(rows pgx.Rows) ([]*model.Resource, error) {
	var resources []*model.Resource
	for rows.Next() {
		var (
			r                          model.Resource
			idText, acctText, siteText string
			typ, stack                 string
			filters                    []byte
		)
		err := rows.Scan(&idText, &acctText, &siteText, &r.SiteName, &typ,
			&r.Address, &r.AddressDescription, &stack, &filters, &r.DeletedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan resource: %w", err)
		}
		r.ID, _ = model.ParseID(idText)
		r.AccountID, _ = model.ParseID(acctText)
		if siteText != "" {
			r.SiteID, _ = model.ParseID(siteText)
		}
		r.Type = model.ResourceType(typ)
		r.IPStack = model.NormalizeIPStack(r.Type, model.IPStack(stack))
		if len(filters) > 0 {
			if err := json.Unmarshal(filters, &r.Filters); err != nil {
				return nil, fmt.Errorf("store: resource %s filters: %w", r.ID, err)
			}
		}
		resources = append(resources, &r)
	}
	return resources, rows.Err()
}
