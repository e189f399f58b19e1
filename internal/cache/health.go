package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cachebus/internal/common/logging"
)

// DefaultHealthInterval is the ping interval when none is configured.
const DefaultHealthInterval = 10 * time.Second

// Pinger is the probe the health monitor runs against the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to the Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// HealthMonitor pings the store on a fixed interval and exposes a
// healthy/unhealthy flag. Every store operation reads the flag and fails
// fast while it is down; only the monitor's own loop writes it.
type HealthMonitor struct {
	pinger   Pinger
	interval time.Duration
	healthy  atomic.Bool
	logger   logging.Logger

	gauge prometheus.Gauge
}

// NewHealthMonitor creates a monitor in the Healthy state. Start must be
// called for the state to track reality.
func NewHealthMonitor(pinger Pinger, interval time.Duration, logger logging.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	m := &HealthMonitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "health_monitor"}),
	}
	m.healthy.Store(true)
	return m
}

// InstrumentWith registers a Prometheus gauge reflecting the health flag
// (1 healthy, 0 unhealthy).
func (m *HealthMonitor) InstrumentWith(reg prometheus.Registerer) error {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cachebus",
		Subsystem: "store",
		Name:      "healthy",
		Help:      "Whether the cache store connection is healthy (1) or not (0)",
	})
	if err := reg.Register(gauge); err != nil {
		return err
	}
	gauge.Set(1)
	m.gauge = gauge
	return nil
}

// IsHealthy reports the current health flag without blocking.
func (m *HealthMonitor) IsHealthy() bool {
	return m.healthy.Load()
}

// Start runs the ping loop in a new goroutine until ctx is cancelled. The
// first probe fires immediately so a dead store is noticed at startup, not
// one interval later.
func (m *HealthMonitor) Start(ctx context.Context) {
	go func() {
		m.probe(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Health monitor stopped")
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

func (m *HealthMonitor) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.pinger.Ping(pingCtx)
	cancel()

	wasHealthy := m.healthy.Load()
	nowHealthy := err == nil
	m.healthy.Store(nowHealthy)

	if m.gauge != nil {
		if nowHealthy {
			m.gauge.Set(1)
		} else {
			m.gauge.Set(0)
		}
	}

	if wasHealthy && !nowHealthy {
		m.logger.Warn("Store ping failed, marking unhealthy", logging.Err(err))
	} else if !wasHealthy && nowHealthy {
		m.logger.Info("Store ping recovered, marking healthy")
	}
}
