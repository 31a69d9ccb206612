package stores

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[string]*ActiveStore)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// GetProviders returns a copy of the currently registered store constructors.
// This is useful for tests that need to preserve and restore providers.
func GetProviders() map[string]Constructor {
	storesMu.RLock()
	defer storesMu.RUnlock()

	var copy = make(map[string]Constructor, len(constructors))
	for scheme, constructor := range constructors {
		copy[scheme] = constructor
	}
	return copy
}

// Get returns an ActiveStore for the given store URL.
// It will attempt to initialize the store if not already cached.
func Get(ep *url.URL) (*ActiveStore, error) {
	var key = redact(ep)

	// Fast path: check if store already exists.
	storesMu.RLock()
	if activeStore, ok := stores[key]; ok {
		storesMu.RUnlock()
		return activeStore, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	// Double-check after acquiring write lock.
	if activeStore, ok := stores[key]; ok {
		return activeStore, nil
	}

	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme: %q", ep.Scheme)
	}

	store, err := constructor(ep)
	if err != nil {
		// Return error but don't cache. We'll retry on next call.
		return nil, err
	}

	var activeStore = NewActiveStore(key, store)
	stores[key] = activeStore
	activeStores.Set(float64(len(stores)))

	return activeStore, nil
}

// redact returns the URL string with any user password removed.
func redact(ep *url.URL) string {
	if _, ok := ep.User.Password(); ok {
		var cp = *ep
		cp.User = url.UserPassword(ep.User.Username(), "xxxxx")
		return cp.String()
	}
	return ep.String()
}

var (
	activeStores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapstore_blob_store_active",
		Help: "Number of active blob stores",
	})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snapstore_blob_store_operation_duration_seconds",
		Help:    "Duration of blob store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"store", "operation", "status"})

	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_blob_store_operation_total",
		Help: "Total number of blob store operations",
	}, []string{"store", "operation", "status"})

	storePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_blob_store_put_bytes_total",
		Help: "Total bytes written to blob stores",
	}, []string{"store", "encoding"})

	storeListItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snapstore_blob_store_list_items_count",
		Help:    "Number of items returned by list operations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1 to ~32k items
	}, []string{"store"})
)

// ParseStoreArgs decodes the query arguments of store URL |ep| into |args|,
// which is a pointer to a struct of the store's supported arguments.
// Unknown arguments are an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
