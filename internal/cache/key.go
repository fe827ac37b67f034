package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"sort"
)

// KeyBuilder derives deterministic cache keys for one route. A key is a pure
// function of (route id, method, resolved path, present invalidator values):
// identical inputs always hash to the same key regardless of parameter order.
type KeyBuilder struct {
	routeID      string
	invalidators []string
}

// NewKeyBuilder creates a key builder for a route. The invalidator list is
// expected to be deduplicated by the config layer.
func NewKeyBuilder(routeID string, invalidators []string) *KeyBuilder {
	return &KeyBuilder{
		routeID:      routeID,
		invalidators: invalidators,
	}
}

// Build constructs the cache key from the request method, the resolved path
// (the full incoming path, never the route pattern), query parameters and
// headers. It also returns the present "name=value" pairs, which the store
// uses for per-value capacity tracking.
//
// Value resolution per invalidator name: query parameter first, header second.
// A name present in neither source is omitted entirely from the key material,
// so absence hashes differently from presence with an empty value. Query names
// match case-sensitively; header names follow canonical HTTP semantics.
func (b *KeyBuilder) Build(method, resolvedPath string, query url.Values, header http.Header) (string, []string) {
	pairs := make(map[string]string, len(b.invalidators))
	for _, name := range b.invalidators {
		if vs, ok := query[name]; ok && len(vs) > 0 {
			pairs[name] = vs[0]
			continue
		}
		if vs := header.Values(name); len(vs) > 0 {
			pairs[name] = vs[0]
		}
	}

	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	io.WriteString(h, b.routeID)
	h.Write([]byte{'|'})
	io.WriteString(h, method)
	h.Write([]byte{'|'})
	io.WriteString(h, resolvedPath)
	h.Write([]byte{'|'})

	values := make([]string, 0, len(names))
	for _, name := range names {
		pair := name + "=" + pairs[name]
		io.WriteString(h, pair)
		h.Write([]byte{'&'})
		values = append(values, pair)
	}

	return hex.EncodeToString(h.Sum(nil)), values
}
