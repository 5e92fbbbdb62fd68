package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheGetSetAndExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got != "v" {
		t.Fatalf("expected v, got %q", got)
	}

	now = now.Add(time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", time.Hour)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after del, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Set(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("expected v, got %q (%v)", got, err)
	}

	mr.FastForward(2 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after ttl, got %v", err)
	}

	_ = c.Set(ctx, "k", "v", time.Minute)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if mr.Exists("k") {
		t.Fatal("expected key deleted")
	}
}

func TestNewCacheFallback(t *testing.T) {
	ctx := context.Background()
	if _, backend := NewCache(ctx, ""); backend != "memory" {
		t.Errorf("expected memory backend, got %s", backend)
	}
	if _, backend := NewCache(ctx, "redis://127.0.0.1:1/0"); backend != "memory" {
		t.Errorf("expected memory fallback for unreachable redis, got %s", backend)
	}

	mr := miniredis.RunT(t)
	if _, backend := NewCache(ctx, "redis://"+mr.Addr()+"/0"); backend != "redis" {
		t.Errorf("expected redis backend, got %s", backend)
	}
}
