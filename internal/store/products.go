package store

import (
	"context"
	"fmt"
	"time"

	"github.com/adapta/solmatch/internal/catalog"
)

// SaveProduct upserts a product, including its embedding version.
func (s *Store) SaveProduct(ctx context.Context, p *catalog.Product) error {
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (id, owner_id, name, description, category, platform, features,
		                      target_audience, available, embedding_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			platform = EXCLUDED.platform,
			features = EXCLUDED.features,
			target_audience = EXCLUDED.target_audience,
			available = EXCLUDED.available,
			embedding_version = EXCLUDED.embedding_version,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.OwnerID, p.Name, p.Description, p.Category, p.Platform, p.Features,
		p.TargetAudience, p.Available, p.EmbeddingVersion, now,
	)
	if err != nil {
		return fmt.Errorf("save product %s: %w", p.ID, err)
	}
	return nil
}

// GetProduct retrieves a single product by ID.
func (s *Store) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_id, name, COALESCE(description,''), COALESCE(category,''),
		       COALESCE(platform,''), COALESCE(features, '{}'), COALESCE(target_audience,''),
		       available, embedding_version, created_at, updated_at
		FROM products WHERE id = $1`, id)

	var p catalog.Product
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Category,
		&p.Platform, &p.Features, &p.TargetAudience,
		&p.Available, &p.EmbeddingVersion, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return &p, nil
}

// ListProducts returns all products.
func (s *Store) ListProducts(ctx context.Context) ([]*catalog.Product, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_id, name, COALESCE(description,''), COALESCE(category,''),
		       COALESCE(platform,''), COALESCE(features, '{}'), COALESCE(target_audience,''),
		       available, embedding_version, created_at, updated_at
		FROM products ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []*catalog.Product
	for rows.Next() {
		var p catalog.Product
		if err := rows.Scan(
			&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Category,
			&p.Platform, &p.Features, &p.TargetAudience,
			&p.Available, &p.EmbeddingVersion, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, &p)
	}
	return products, nil
}

// DeleteProduct removes a product.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	return nil
}
