package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks cache hit/miss counters, globally and per cache type.
// All counters are lock-free atomics so reads never block writers.
type Collector struct {
	hits   atomic.Int64
	misses atomic.Int64

	byType    sync.Map // cache type -> *typeCounters
	lastReset atomic.Value // time.Time

	// optional Prometheus mirror, nil until InstrumentWith is called
	promHits   *prometheus.CounterVec
	promMisses *prometheus.CounterVec
}

type typeCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// TypeMetrics is a per-cache-type counter snapshot.
type TypeMetrics struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Metrics is a point-in-time snapshot of all counters.
type Metrics struct {
	Hits      int64                  `json:"hits"`
	Misses    int64                  `json:"misses"`
	HitRate   float64                `json:"hit_rate"`
	ByType    map[string]TypeMetrics `json:"by_type"`
	LastReset time.Time              `json:"last_reset"`
}

// NewCollector creates a collector with all counters at zero.
func NewCollector() *Collector {
	c := &Collector{}
	c.lastReset.Store(time.Now())
	return c
}

// InstrumentWith registers Prometheus counters that mirror hit/miss counts.
// Calling it is optional; the atomic counters work either way.
func (c *Collector) InstrumentWith(reg prometheus.Registerer) error {
	hits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachebus",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"type"},
	)
	misses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachebus",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"type"},
	)

	if err := reg.Register(hits); err != nil {
		return err
	}
	if err := reg.Register(misses); err != nil {
		return err
	}

	c.promHits = hits
	c.promMisses = misses
	return nil
}

// RecordHit atomically increments the global and per-type hit counters.
func (c *Collector) RecordHit(cacheType string) {
	c.hits.Add(1)
	c.counters(cacheType).hits.Add(1)
	if c.promHits != nil {
		c.promHits.WithLabelValues(cacheType).Inc()
	}
}

// RecordMiss atomically increments the global and per-type miss counters.
func (c *Collector) RecordMiss(cacheType string) {
	c.misses.Add(1)
	c.counters(cacheType).misses.Add(1)
	if c.promMisses != nil {
		c.promMisses.WithLabelValues(cacheType).Inc()
	}
}

// HitRate returns hits/(hits+misses), or 0 when nothing has been recorded.
func (c *Collector) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot returns a consistent-enough view of all counters without
// blocking concurrent writers.
func (c *Collector) Snapshot() Metrics {
	m := Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		HitRate:   c.HitRate(),
		ByType:    make(map[string]TypeMetrics),
		LastReset: c.lastReset.Load().(time.Time),
	}

	c.byType.Range(func(key, value interface{}) bool {
		tc := value.(*typeCounters)
		m.ByType[key.(string)] = TypeMetrics{
			Hits:   tc.hits.Load(),
			Misses: tc.misses.Load(),
		}
		return true
	})

	return m
}

// Reset zeroes all counters and records the reset time. It does not touch
// health state or any cached entries.
func (c *Collector) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.byType.Range(func(key, _ interface{}) bool {
		c.byType.Delete(key)
		return true
	})
	c.lastReset.Store(time.Now())
}

func (c *Collector) counters(cacheType string) *typeCounters {
	if existing, ok := c.byType.Load(cacheType); ok {
		return existing.(*typeCounters)
	}
	created, _ := c.byType.LoadOrStore(cacheType, &typeCounters{})
	return created.(*typeCounters)
}
