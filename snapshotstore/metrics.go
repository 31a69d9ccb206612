package snapshotstore

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// keyKind maps a deduplication key to its metric label.
func keyKind(key string) string {
	if ind := strings.IndexAny(key, ":@"); ind != -1 {
		return key[:ind]
	}
	return key
}

var (
	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_cache_requests_total",
		Help: "Total number of snapshot cache lookups, by cache and outcome (hit or miss)",
	}, []string{"cache", "outcome"})

	readsDeduplicatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_reads_deduplicated_total",
		Help: "Total number of reads served by a concurrent in-flight read",
	}, []string{"kind"})

	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_writes_total",
		Help: "Total number of snapshot writes, by snapshot status or \"failed\"",
	}, []string{"status"})

	pointerRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapstore_pointer_repairs_total",
		Help: "Total number of current pointer repairs",
	})

	cleanupDeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapstore_cleanup_deletions_total",
		Help: "Total number of snapshots removed by retention",
	})
)
