package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zkproofport/engine/pkg/kvstore"
)

func TestAllowWithinLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	limiter := New(kvstore.Dial(mr.Addr()), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := limiter.Allow(ctx, "0xaaaa")
		if err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v, want true, nil", i, ok, err)
		}
	}
	ok, retryAfter, err := limiter.Allow(ctx, "0xaaaa")
	if err != nil || ok {
		t.Fatalf("4th request: allowed=%v err=%v, want false, nil", ok, err)
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v, want (0, 1m]", retryAfter)
	}
}

func TestAllowIsPerSubject(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	limiter := New(kvstore.Dial(mr.Addr()), 1, time.Minute)
	ctx := context.Background()

	if ok, _, err := limiter.Allow(ctx, "0xa"); err != nil || !ok {
		t.Fatalf("subject a: allowed=%v err=%v", ok, err)
	}
	if ok, _, err := limiter.Allow(ctx, "0xb"); err != nil || !ok {
		t.Fatalf("subject b: allowed=%v err=%v", ok, err)
	}
}
