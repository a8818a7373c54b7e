package cache

import (
	"context"
	"time"

	"opnameinaja/backend/internal/domain"
)

type VarianceCache interface {
	Get(ctx context.Context, key string) (*domain.VarianceReport, bool, error)
	Set(ctx context.Context, key string, value *domain.VarianceReport, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopVarianceCache struct{}

func (NoopVarianceCache) Get(_ context.Context, _ string) (*domain.VarianceReport, bool, error) {
	return nil, false, nil
}

func (NoopVarianceCache) Set(_ context.Context, _ string, _ *domain.VarianceReport, _ time.Duration) error {
	return nil
}

func (NoopVarianceCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
