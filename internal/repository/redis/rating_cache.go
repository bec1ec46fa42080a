package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valenisgroo/reviews-service/internal/domain"
)

const keyPrefix = "rating:"

// RatingCache implements repository.RatingCache using Redis.
type RatingCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRatingCache creates a Redis-backed product rating cache. Entries expire
// after ttl even if no write invalidates them.
func NewRatingCache(client redis.UniversalClient, ttl time.Duration) *RatingCache {
	return &RatingCache{
		client: client,
		ttl:    ttl,
	}
}

// Get returns the cached rating for productID, or nil on a miss.
func (c *RatingCache) Get(ctx context.Context, productID string) (*domain.ProductRating, error) {
	data, err := c.client.Get(ctx, keyPrefix+productID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get rating: %w", err)
	}

	var pr domain.ProductRating
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("unmarshal rating: %w", err)
	}
	return &pr, nil
}

// Set stores rating under its product key, replacing any cached value.
func (c *RatingCache) Set(ctx context.Context, rating domain.ProductRating) error {
	data, err := json.Marshal(rating)
	if err != nil {
		return fmt.Errorf("marshal rating: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+rating.ProductID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set rating: %w", err)
	}
	return nil
}

// Fill stores rating only if nothing is cached for the product yet, so a
// reader holding an old row never replaces a value a writer just stored.
// It reports whether the value was stored.
func (c *RatingCache) Fill(ctx context.Context, rating domain.ProductRating) (bool, error) {
	data, err := json.Marshal(rating)
	if err != nil {
		return false, fmt.Errorf("marshal rating: %w", err)
	}

	stored, err := c.client.SetNX(ctx, keyPrefix+rating.ProductID, data, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx rating: %w", err)
	}
	return stored, nil
}

// Invalidate drops the cached rating for productID.
func (c *RatingCache) Invalidate(ctx context.Context, productID string) error {
	if err := c.client.Del(ctx, keyPrefix+productID).Err(); err != nil {
		return fmt.Errorf("redis del rating: %w", err)
	}
	return nil
}

// NopRatingCache is used when Redis is disabled. Every Get is a miss.
type NopRatingCache struct{}

func (NopRatingCache) Get(context.Context, string) (*domain.ProductRating, error) { return nil, nil }
func (NopRatingCache) Set(context.Context, domain.ProductRating) error            { return nil }
func (NopRatingCache) Fill(context.Context, domain.ProductRating) (bool, error)   { return false, nil }
func (NopRatingCache) Invalidate(context.Context, string) error                   { return nil }
