// Package pages stores generated HTML pages in Redis so brains can
// surface interactive UI (approval forms, reports) at stable URLs.
package pages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a missing or expired page.
var ErrNotFound = errors.New("page not found")

const keyPrefix = "positronic:page:"

// Page is a stored page handle.
type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Service is the page capability handed to step contexts.
type Service interface {
	// Create stores html under a fresh id and returns its handle.
	Create(ctx context.Context, html string) (Page, error)
	// Get returns the page's html.
	Get(ctx context.Context, id string) (string, error)
	// Update replaces an existing page's html, refreshing its TTL.
	Update(ctx context.Context, id, html string) error
	// Exists reports whether the page is present.
	Exists(ctx context.Context, id string) (bool, error)
}

// Options configures the Redis-backed service.
type Options struct {
	// BaseURL prefixes returned page URLs, e.g. "http://host:8080".
	BaseURL string
	// TTL expires pages; zero keeps them until deleted.
	TTL time.Duration
}

// RedisService implements Service on a Redis client.
type RedisService struct {
	rdb     redis.UniversalClient
	baseURL string
	ttl     time.Duration
}

// NewRedisService builds a page service on the given client.
func NewRedisService(rdb redis.UniversalClient, opts Options) *RedisService {
	return &RedisService{rdb: rdb, baseURL: opts.BaseURL, ttl: opts.TTL}
}

func (s *RedisService) Create(ctx context.Context, html string) (Page, error) {
	id := uuid.NewString()
	if err := s.rdb.Set(ctx, keyPrefix+id, html, s.ttl).Err(); err != nil {
		return Page{}, fmt.Errorf("store page: %w", err)
	}
	return Page{ID: id, URL: fmt.Sprintf("%s/pages/%s", s.baseURL, id)}, nil
}

func (s *RedisService) Get(ctx context.Context, id string) (string, error) {
	html, err := s.rdb.Get(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("fetch page %q: %w", id, err)
	}
	return html, nil
}

func (s *RedisService) Update(ctx context.Context, id, html string) error {
	key := keyPrefix + id
	ok, err := s.rdb.Expire(ctx, key, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("refresh page %q: %w", id, err)
	}
	if !ok && s.ttl > 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s.ttl == 0 {
		exists, err := s.rdb.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check page %q: %w", id, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
	}
	if err := s.rdb.Set(ctx, key, html, s.ttl).Err(); err != nil {
		return fmt.Errorf("update page %q: %w", id, err)
	}
	return nil
}

func (s *RedisService) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check page %q: %w", id, err)
	}
	return n > 0, nil
}
