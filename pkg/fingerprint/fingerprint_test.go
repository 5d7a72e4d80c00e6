package fingerprint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zkproofport/engine/pkg/kvstore"
)

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := []byte(`{"b":2,"a":1}`)
	b := []byte(`{"a":1,"b":2}`)

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint(a): %v", err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint(b): %v", err)
	}
	if fa != fb {
		t.Fatalf("fingerprints differ: %s vs %s", fa, fb)
	}
}

func TestFingerprintDiffersOnContent(t *testing.T) {
	fa, _ := Fingerprint([]byte(`{"a":1}`))
	fb, _ := Fingerprint([]byte(`{"a":2}`))
	if fa == fb {
		t.Fatal("expected different fingerprints for different content")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	store := kvstore.Dial(mr.Addr())
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "c1", "fp1"); err != kvstore.ErrNotFound {
		t.Fatalf("Get before Set = %v, want ErrNotFound", err)
	}
	if err := cache.Set(ctx, "c1", "fp1", `{"result":"ok"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := cache.Get(ctx, "c1", "fp1")
	if err != nil || got != `{"result":"ok"}` {
		t.Fatalf("Get = %q, %v, want cached value", got, err)
	}
	if err := cache.Invalidate(ctx, "c1", "fp1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := cache.Get(ctx, "c1", "fp1"); err != kvstore.ErrNotFound {
		t.Fatalf("Get after Invalidate = %v, want ErrNotFound", err)
	}
}
