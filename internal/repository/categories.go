package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grabfeed/grabfeed/internal/models"
)

// CategoriesRepository handles categories table operations.
type CategoriesRepository struct {
	pool *pgxpool.Pool
}

// NewCategoriesRepository creates a new categories repository.
func NewCategoriesRepository(pool *pgxpool.Pool) *CategoriesRepository {
	return &CategoriesRepository{pool: pool}
}

// GetOrCreate returns the category with the given name, creating it once if
// missing. Used for the "Uncategorized" sentinel bucket.
func (r *CategoriesRepository) GetOrCreate(ctx context.Context, name string) (*models.Category, error) {
	var c models.Category
	err := r.pool.QueryRow(ctx, `
		INSERT INTO categories (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create category: %w", err)
	}
	return &c, nil
}
