package store

import (
	"context"
	"fmt"
	"time"

	"github.com/adapta/solmatch/internal/catalog"
)

// SaveOwner upserts an owner.
func (s *Store) SaveOwner(ctx context.Context, o *catalog.Owner) error {
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO owners (id, name, email, description, website, industry, size, location, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			description = EXCLUDED.description,
			website = EXCLUDED.website,
			industry = EXCLUDED.industry,
			size = EXCLUDED.size,
			location = EXCLUDED.location,
			verified = EXCLUDED.verified,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Name, o.Email, o.Description, o.Website,
		o.Industry, o.Size, o.Location, o.Verified, now,
	)
	if err != nil {
		return fmt.Errorf("save owner %s: %w", o.ID, err)
	}
	return nil
}

// GetOwner retrieves a single owner by ID.
func (s *Store) GetOwner(ctx context.Context, id string) (*catalog.Owner, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, email, COALESCE(description,''), COALESCE(website,''),
		       COALESCE(industry,''), COALESCE(size,''), COALESCE(location,''),
		       verified, created_at, updated_at
		FROM owners WHERE id = $1`, id)

	var o catalog.Owner
	err := row.Scan(
		&o.ID, &o.Name, &o.Email, &o.Description, &o.Website,
		&o.Industry, &o.Size, &o.Location, &o.Verified, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get owner %s: %w", id, err)
	}
	return &o, nil
}

// ListOwners returns all owners.
func (s *Store) ListOwners(ctx context.Context) ([]*catalog.Owner, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, email, COALESCE(description,''), COALESCE(website,''),
		       COALESCE(industry,''), COALESCE(size,''), COALESCE(location,''),
		       verified, created_at, updated_at
		FROM owners ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []*catalog.Owner
	for rows.Next() {
		var o catalog.Owner
		if err := rows.Scan(
			&o.ID, &o.Name, &o.Email, &o.Description, &o.Website,
			&o.Industry, &o.Size, &o.Location, &o.Verified, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, &o)
	}
	return owners, nil
}

// DeleteOwner removes an owner; products cascade via the schema.
func (s *Store) DeleteOwner(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM owners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete owner %s: %w", id, err)
	}
	return nil
}
