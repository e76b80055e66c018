package cache

import (
	"context"
	"testing"
)

func TestFingerprintKeyDeterministicAcrossMapOrder(t *testing.T) {
	inputsA := map[string]any{"x": 1, "y": 2}
	inputsB := map[string]any{"y": 2, "x": 1}

	keyA, err := FingerprintKey("bodyRef", inputsA, "root")
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := FingerprintKey("bodyRef", inputsB, "root")
	if err != nil {
		t.Fatal(err)
	}
	if keyA != keyB {
		t.Fatalf("expected identical fingerprints regardless of map build order, got %q vs %q", keyA, keyB)
	}
}

func TestFingerprintKeyDiffersOnInputChange(t *testing.T) {
	key1, err := FingerprintKey("bodyRef", map[string]any{"x": 1}, "root")
	if err != nil {
		t.Fatal(err)
	}
	key2, err := FingerprintKey("bodyRef", map[string]any{"x": 2}, "root")
	if err != nil {
		t.Fatal(err)
	}
	if key1 == key2 {
		t.Fatal("expected different fingerprints for different inputs")
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if _, ok, err := c.Get(ctx, "node", "k"); err != nil || ok {
		t.Fatalf("expected miss before Set, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "node", "k", "v"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := c.Get(ctx, "node", "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("expected hit with value %q, got v=%q ok=%v err=%v", "v", v, ok, err)
	}

	if err := c.Clear(ctx, "node"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "node", "k"); ok {
		t.Fatal("expected miss after Clear")
	}
}

func TestMemoryCacheScopedPerNode(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if err := c.Set(ctx, "nodeA", "k", "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "nodeB", "k", "b"); err != nil {
		t.Fatal(err)
	}

	va, _, _ := c.Get(ctx, "nodeA", "k")
	vb, _, _ := c.Get(ctx, "nodeB", "k")
	if va != "a" || vb != "b" {
		t.Fatalf("expected per-node isolation, got nodeA=%q nodeB=%q", va, vb)
	}
}
