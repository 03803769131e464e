package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if ok, _ := c.SetNX(ctx, "k", "a", time.Minute); !ok {
		t.Fatal("first SetNX should win")
	}
	if ok, _ := c.SetNX(ctx, "k", "b", time.Minute); ok {
		t.Fatal("second SetNX should lose")
	}
	if err := c.Set(ctx, "forever", "x", 0); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !IsMiss(err) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
	if v, err := c.Get(ctx, "forever"); err != nil || v != "x" {
		t.Fatalf("zero ttl entry expired: %q %v", v, err)
	}
	if ok, _ := c.SetNX(ctx, "k", "c", time.Minute); !ok {
		t.Fatal("SetNX should succeed once the key expired")
	}
	_ = c.Del(ctx, "k")
	if _, err := c.Get(ctx, "k"); !IsMiss(err) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestRedisCacheAgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", c)
	}
	if ok, err := c.SetNX(ctx, "k", "v", time.Minute); err != nil || !ok {
		t.Fatalf("setnx: %v %v", ok, err)
	}
	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("get: %q %v", v, err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !IsMiss(err) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
	if err := c.Set(ctx, "k2", "v2", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Del(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	if _, ok := NewCache(context.Background(), nil).(*MemoryCache); !ok {
		t.Fatal("expected memory cache for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	if _, ok := NewCache(context.Background(), client).(*MemoryCache); !ok {
		t.Fatal("expected memory cache when redis is unreachable")
	}
}

func TestLock(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	lock := Lock{Cache: cache, Key: "idsync:live-run", TTL: time.Minute}

	if err := lock.Acquire(ctx, "run-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Acquire(ctx, "run-2"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if holder, _ := lock.Holder(ctx); holder != "run-1" {
		t.Fatalf("unexpected holder %q", holder)
	}
	if err := lock.Release(ctx, "run-2"); err != nil {
		t.Fatal(err)
	}
	if holder, _ := lock.Holder(ctx); holder != "run-1" {
		t.Fatal("non-owner release freed the lock")
	}
	if err := lock.Release(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if holder, err := lock.Holder(ctx); holder != "" || err != nil {
		t.Fatalf("expected free lock, got %q %v", holder, err)
	}
}
