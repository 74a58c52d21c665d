// Package metrics defines the Prometheus collectors exported by the cache
// manager and the edge worker. Every recording method is safe to call on a
// nil receiver, so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "nutcache"

// NewRegistry returns a registry preloaded with the Go and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Cache holds the collectors of a cache.Manager.
type Cache struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	evictions   prometheus.Counter
	storeErrors *prometheus.CounterVec
	size        prometheus.Gauge
	items       prometheus.Gauge
}

// NewCache creates and registers the cache manager collectors.
func NewCache(reg prometheus.Registerer, namespace string) *Cache {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Cache{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "hits_total", Help: "Cache lookups served from memory or the durable mirror.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "misses_total", Help: "Cache lookups that found no valid entry.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "evictions_total", Help: "Entries removed to stay under the byte budget.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "store_errors_total", Help: "Durable store operations that failed.",
		}, []string{"op"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "size_bytes", Help: "Estimated size of all in-memory entries.",
		}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "items", Help: "Number of in-memory entries.",
		}),
	}
	reg.MustRegister(c.hits, c.misses, c.evictions, c.storeErrors, c.size, c.items)
	return c
}

func (c *Cache) Hit() {
	if c != nil {
		c.hits.Inc()
	}
}

func (c *Cache) Miss() {
	if c != nil {
		c.misses.Inc()
	}
}

func (c *Cache) Evicted() {
	if c != nil {
		c.evictions.Inc()
	}
}

// StoreError counts a failed durable store operation.
func (c *Cache) StoreError(op string) {
	if c != nil {
		c.storeErrors.WithLabelValues(op).Inc()
	}
}

// Observe records the current size and entry count.
func (c *Cache) Observe(sizeBytes int64, items int) {
	if c != nil {
		c.size.Set(float64(sizeBytes))
		c.items.Set(float64(items))
	}
}

// Edge holds the collectors of an edge.Worker.
type Edge struct {
	served      *prometheus.CounterVec
	lifecycle   *prometheus.CounterVec
	purged      prometheus.Counter
	revalidated *prometheus.CounterVec
}

// NewEdge creates and registers the edge worker collectors.
func NewEdge(reg prometheus.Registerer, namespace string) *Edge {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	e := &Edge{
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge",
			Name: "responses_total", Help: "Intercepted requests by strategy, partition class and response source.",
		}, []string{"strategy", "partition", "source"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge",
			Name: "lifecycle_events_total", Help: "Install and activate outcomes.",
		}, []string{"event", "result"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge",
			Name: "partitions_purged_total", Help: "Stale partitions deleted on activation.",
		}),
		revalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge",
			Name: "revalidations_total", Help: "Background stale-while-revalidate refreshes.",
		}, []string{"result"}),
	}
	reg.MustRegister(e.served, e.lifecycle, e.purged, e.revalidated)
	return e
}

// Served counts a response produced for an intercepted request. source is
// one of "network", "cache" or "offline".
func (e *Edge) Served(strategy, partition, source string) {
	if e != nil {
		e.served.WithLabelValues(strategy, partition, source).Inc()
	}
}

// Lifecycle counts an install or activate outcome.
func (e *Edge) Lifecycle(event string, ok bool) {
	if e == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	e.lifecycle.WithLabelValues(event, result).Inc()
}

func (e *Edge) Purged(n int) {
	if e != nil {
		e.purged.Add(float64(n))
	}
}

// Revalidated counts a background refresh; result is "ok", "error" or
// "skipped".
func (e *Edge) Revalidated(result string) {
	if e != nil {
		e.revalidated.WithLabelValues(result).Inc()
	}
}
