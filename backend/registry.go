package backend

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// Constructor builds a Backend from its URL.
type Constructor func(ctx context.Context, ep *url.URL) (Backend, error)

var (
	constructors   = make(map[string]Constructor)
	constructorsMu sync.RWMutex
)

// RegisterProviders registers Backend constructors by URL scheme.
// It should be called during program initialization.
func RegisterProviders(providers map[string]Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// Schemes returns the sorted URL schemes having registered constructors.
func Schemes() []string {
	constructorsMu.RLock()
	defer constructorsMu.RUnlock()

	var out []string
	for scheme := range constructors {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Open builds the Backend of URL |ep| using its registered constructor.
func Open(ctx context.Context, ep *url.URL) (Backend, error) {
	constructorsMu.RLock()
	var constructor, ok = constructors[ep.Scheme]
	constructorsMu.RUnlock()

	if !ok {
		return nil, &ConfigurationError{
			Backend: ep.Scheme,
			Message: fmt.Sprintf("unsupported backend scheme %q (supported: %v)", ep.Scheme, Schemes()),
		}
	}
	return constructor(ctx, ep)
}
