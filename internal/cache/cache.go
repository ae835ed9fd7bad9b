package cache

import (
	"context"
	"errors"

	"github.com/OP0007/shelf-to-door/internal/domain"
)

// CartCache holds the display read model of a cart, keyed by cart ID.
type CartCache interface {
	Get(ctx context.Context, cartID int64) (*domain.CartView, error)
	Set(ctx context.Context, cartID int64, view *domain.CartView) error
	Delete(ctx context.Context, cartID int64) error
	// Purge drops every cached cart view
	Purge(ctx context.Context) error
}

var ErrCacheMiss = errors.New("cache miss")

// NopCache always misses. Used when no Redis address is configured.
type NopCache struct{}

func (NopCache) Get(context.Context, int64) (*domain.CartView, error) { return nil, ErrCacheMiss }

func (NopCache) Set(context.Context, int64, *domain.CartView) error { return nil }

func (NopCache) Delete(context.Context, int64) error { return nil }

func (NopCache) Purge(context.Context) error { return nil }
