// Package metrics defines the counter sink the engine publishes into and a
// Prometheus-backed implementation. The engine never formats or transports
// metrics itself; it only increments named counters on the injected sink.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Canonical counter names published by the engine.
const (
	PagerCacheHits      = "pager_cache_hits"
	PagerCacheMisses    = "pager_cache_misses"
	PagerEvictions      = "pager_evictions"
	PagerDirtyWrites    = "pager_dirty_writebacks"
	PagerCommits        = "pager_commits"
	PagerRollbacks      = "pager_rollbacks"
	PagerCheckpoints    = "pager_checkpoints"
	WalFramesAppended   = "wal_frames_appended"
	WalSyncs            = "wal_syncs"
	MvccVersionsWritten = "mvcc_versions_written"
	MvccVersionsPruned  = "mvcc_versions_pruned"
	MvccCacheHits       = "mvcc_version_cache_hits"
	MvccCacheMisses     = "mvcc_version_cache_misses"
	VacuumPasses        = "vacuum_passes"
	QueryRowsEmitted    = "query_rows_emitted"
	QueryCancelled      = "query_cancelled"
)

// Sink receives counter increments from the engine.
type Sink interface {
	Inc(name string, delta uint64)
}

// Nop discards all metrics. It is the default sink.
type Nop struct{}

func (Nop) Inc(string, uint64) {}

// ───────────────────────────────────────────────────────────────────────────
// Prometheus sink
// ───────────────────────────────────────────────────────────────────────────

// Prom publishes engine counters to a Prometheus registry.
type Prom struct {
	mu       sync.Mutex
	reg      prometheus.Registerer
	counters map[string]prometheus.Counter
}

// NewProm creates a sink registering counters against reg. Counter names are
// prefixed with "sombra_".
func NewProm(reg prometheus.Registerer) *Prom {
	return &Prom{reg: reg, counters: make(map[string]prometheus.Counter)}
}

func (p *Prom) Inc(name string, delta uint64) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sombra_" + name,
			Help: "sombra engine counter " + name,
		})
		if err := p.reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				c = are.ExistingCollector.(prometheus.Counter)
			}
		}
		p.counters[name] = c
	}
	p.mu.Unlock()
	c.Add(float64(delta))
}
