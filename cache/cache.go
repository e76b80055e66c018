// Package cache provides the content-addressed result cache used by the
// DAG node runner to skip re-executing a node body when an equivalent
// (body, inputs, root input) has already been computed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ResultCache stores a node body's serialized result keyed by a
// fingerprint of its inputs, scoped per node name so two different nodes
// never collide even if their fingerprints happened to match.
type ResultCache interface {
	Get(ctx context.Context, nodeName, key string) (string, bool, error)
	Set(ctx context.Context, nodeName, key, value string) error
	Clear(ctx context.Context, nodeName string) error
}

// FingerprintKey computes the cache key for a node invocation from its
// body (typically a function name or source identifier, supplied by the
// caller as any stable, comparable value), its resolved per-parent
// inputs, and the DAG's root input.
//
// The key is a SHA-256 hash over:
//  1. a canonical JSON encoding of body
//  2. a canonical JSON encoding of nodeInputs, with map keys sorted so
//     the same input set always serializes identically regardless of
//     the order it was built in
//  3. a canonical JSON encoding of rootInput
//
// This mirrors the teacher's idempotency-key derivation: hash the
// identifying pieces of an invocation, in a fixed order, and return a
// hex-encoded digest.
func FingerprintKey(body, nodeInputs, rootInput any) (string, error) {
	h := sha256.New()

	for _, v := range []any{body, nodeInputs, rootInput} {
		b, err := canonicalJSON(v)
		if err != nil {
			return "", err
		}
		h.Write(b)
		h.Write([]byte{0}) // separator, so ("a","bc") and ("ab","c") can't collide
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON marshals v to JSON with map keys in sorted order, so
// structurally-equal values always produce byte-identical output
// regardless of map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through JSON so maps become map[string]any
// (Go's encoding/json already sorts map[string]any keys on Marshal),
// and arbitrary struct/slice shapes are reduced to a canonical
// any-shaped tree.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return sortedCopy(out), nil
}

// sortedCopy is a no-op for encoding/json's native map[string]any
// (Marshal already sorts those keys), but recurses so nested slices of
// maps are covered too. Kept explicit rather than relied-upon so the
// ordering guarantee doesn't depend on encoding/json internals.
func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}
