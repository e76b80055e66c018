package dag

import "encoding/json"

// encodeForCache serializes a node's output to the opaque string form
// ResultCache stores. Values that don't round-trip through JSON (e.g. a
// function or channel) simply aren't cacheable; the caller treats an
// encoding error as "don't cache this result" rather than a failure.
func encodeForCache(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeCached reverses encodeForCache. Node outputs are dynamically
// typed (any), so a cache hit is decoded into the same any-shaped tree
// encoding/json would produce from a fresh call — callers that need a
// specific concrete type should do the final assertion/conversion
// themselves, same as they would for a live result composed of
// other nodes' untyped outputs.
func decodeCached(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
