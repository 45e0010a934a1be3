package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pixshift/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TransformationTypeRepository interface {
	GetByID(ctx context.Context, id string) (*model.TransformationType, error)
	ListEnabled(ctx context.Context) ([]*model.TransformationType, error)
}

type transformationTypeRepo struct {
	pool *pgxpool.Pool
}

func NewTransformationTypeRepo(pool *pgxpool.Pool) TransformationTypeRepository {
	return &transformationTypeRepo{pool: pool}
}

const transformationTypeColumns = `id, name, description, prompt_template, enabled, created_at`

func (r *transformationTypeRepo) GetByID(ctx context.Context, id string) (*model.TransformationType, error) {
	var t model.TransformationType
	err := r.pool.QueryRow(ctx, `SELECT `+transformationTypeColumns+` FROM transformation_types WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.PromptTemplate, &t.Enabled, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching transformation type %s: %w", id, err)
	}
	return &t, nil
}

func (r *transformationTypeRepo) ListEnabled(ctx context.Context) ([]*model.TransformationType, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transformationTypeColumns+` FROM transformation_types WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing transformation types: %w", err)
	}
	defer rows.Close()
	var out []*model.TransformationType
	for rows.Next() {
		var t model.TransformationType
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.PromptTemplate, &t.Enabled, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transformation type: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// cachedTypeRepo memoises GetByID. Misses are not cached so newly added types appear immediately.
type cachedTypeRepo struct {
	inner TransformationTypeRepository
	cache *expirable.LRU[string, *model.TransformationType]
}

// NewCachedTransformationTypeRepo wraps inner with an expiring LRU of the given size.
func NewCachedTransformationTypeRepo(inner TransformationTypeRepository, size int, ttl time.Duration) TransformationTypeRepository {
	return &cachedTypeRepo{
		inner: inner,
		cache: expirable.NewLRU[string, *model.TransformationType](size, nil, ttl),
	}
}

func (c *cachedTypeRepo) GetByID(ctx context.Context, id string) (*model.TransformationType, error) {
	if t, ok := c.cache.Get(id); ok {
		return t, nil
	}
	t, err := c.inner.GetByID(ctx, id)
	if err != nil || t == nil {
		return t, err
	}
	c.cache.Add(id, t)
	return t, nil
}

func (c *cachedTypeRepo) ListEnabled(ctx context.Context) ([]*model.TransformationType, error) {
	return c.inner.ListEnabled(ctx)
}
