package cache

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Get(ctx, "missing", &payload{}); err != ErrMiss {
		t.Errorf("expected ErrMiss, got %v", err)
	}

	in := payload{Name: "alert:rules", Count: 3}
	if err := c.Set(ctx, "k", in, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var out payload
	if err := c.Get(ctx, "k", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := c.Get(ctx, "k", &out); err != ErrMiss {
		t.Errorf("expected ErrMiss after invalidate, got %v", err)
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", payload{Name: "x"}, time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var out payload
	if err := c.Get(ctx, "k", &out); err != ErrMiss {
		t.Errorf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to run miniredis: %v", err)
	}
	defer mr.Close()

	host, portStr, _ := net.SplitHostPort(mr.Addr())
	port, _ := strconv.Atoi(portStr)
	c := NewRedisCache(host, port, "", 0)
	ctx := context.Background()

	in := payload{Name: "rep:10.0.0.1", Count: 42}
	if err := c.Set(ctx, "k", in, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var out payload
	if err := c.Get(ctx, "k", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := c.Get(ctx, "k", &out); err != ErrMiss {
		t.Errorf("expected ErrMiss after invalidate, got %v", err)
	}
}
