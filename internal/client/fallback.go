package client

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// FallbackFunc produces a substitute response body when the primary call is
// blocked or fails. The cause names why no result was obtained.
type FallbackFunc func(ctx context.Context, req *Request, cause error) ([]byte, error)

// Fallback resolution kinds, reported to metrics
const (
	FallbackKindExact    = "exact"
	FallbackKindPrefix   = "prefix"
	FallbackKindWildcard = "wildcard"
)

type prefixFallback struct {
	prefix string
	fn     FallbackFunc
}

// FallbackChain resolves a handler for a request path in deterministic
// most-specific-first order: exact match, then the longest matching prefix,
// then the wildcard default. Registration order never affects resolution.
type FallbackChain struct {
	mu       sync.RWMutex
	exact    map[string]FallbackFunc
	prefixes []prefixFallback // sorted longest prefix first
	wildcard FallbackFunc
}

// NewFallbackChain creates an empty fallback chain
func NewFallbackChain() *FallbackChain {
	return &FallbackChain{
		exact: make(map[string]FallbackFunc),
	}
}

// Register adds a handler under a pattern. "*" registers the wildcard
// default, a trailing "*" registers a prefix pattern, anything else is an
// exact path match.
func (fc *FallbackChain) Register(pattern string, fn FallbackFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch {
	case pattern == "*" || pattern == "":
		fc.wildcard = fn
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		for i, p := range fc.prefixes {
			if p.prefix == prefix {
				fc.prefixes[i].fn = fn
				return
			}
		}
		fc.prefixes = append(fc.prefixes, prefixFallback{prefix: prefix, fn: fn})
		sort.SliceStable(fc.prefixes, func(i, j int) bool {
			return len(fc.prefixes[i].prefix) > len(fc.prefixes[j].prefix)
		})
	default:
		fc.exact[pattern] = fn
	}
}

// Resolve returns the handler for a path, or false when none is registered
func (fc *FallbackChain) Resolve(path string) (FallbackFunc, string, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	if fn, ok := fc.exact[path]; ok {
		return fn, FallbackKindExact, true
	}

	for _, p := range fc.prefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.fn, FallbackKindPrefix, true
		}
	}

	if fc.wildcard != nil {
		return fc.wildcard, FallbackKindWildcard, true
	}

	return nil, "", false
}
