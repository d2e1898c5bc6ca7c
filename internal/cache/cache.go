package cache

import (
	"context"
	"time"

	"gestionpro/backend/internal/domain"
)

// ProductCache holds catalogue entries keyed by the clean code that was
// scanned. Stock is never cached.
type ProductCache interface {
	Get(ctx context.Context, code string) (*domain.Product, bool, error)
	Set(ctx context.Context, code string, value *domain.Product, ttl time.Duration) error
	Delete(ctx context.Context, codes ...string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ *domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
