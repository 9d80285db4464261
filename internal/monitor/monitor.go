// Package monitor implements the agent monitor: a background loop
// that periodically samples every registered pool, logs the snapshot,
// persists it via internal/store, exports it as Prometheus gauges, and
// fans alerting conditions out to notification channels. The monitor
// never owns agents: it only reads internal/pool.Manager's Stats,
// never calls Spawn/Terminate.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/pool"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// PoolSource is the subset of pool.Manager the monitor samples.
type PoolSource interface {
	Stats(poolName string) (pool.Stats, error)
}

// AlertEvent is the payload handed to notification Channels when a
// sampled pool crosses an alerting threshold.
type AlertEvent struct {
	PoolName  string
	Reason    string
	Stats     pool.Stats
	Timestamp time.Time
}

// Channel is a notification sink a pool alert can be delivered
// through.
type Channel interface {
	Name() string
	ShouldNotify(evt AlertEvent) bool
	Send(evt AlertEvent) error
}

// Router dispatches an alert to every registered channel
// asynchronously, logging failures without blocking the sample loop.
type Router struct {
	mu       sync.RWMutex
	channels []Channel
	log      *zap.SugaredLogger
}

func NewRouter(log *zap.SugaredLogger, channels ...Channel) *Router {
	return &Router{channels: channels, log: log}
}

func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

func (r *Router) Route(evt AlertEvent) {
	r.mu.RLock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	for _, ch := range channels {
		go func(channel Channel) {
			if !channel.ShouldNotify(evt) {
				return
			}
			if err := channel.Send(evt); err != nil {
				r.log.Warnw("alert channel send failed", "channel", channel.Name(), "pool", evt.PoolName, "error", err)
			}
		}(ch)
	}
}

// thresholds that trigger an alert when a sampled pool crosses them.
const (
	unhealthyFailureRateThreshold = 0.5 // failure/(success+failure) over the sample window
	poolSaturatedThreshold         = 1.0 // busy/total
)

var (
	metricPoolTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_pool_agents_total",
		Help: "Total agents currently registered in a pool.",
	}, []string{"pool"})
	metricPoolBusy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_pool_agents_busy",
		Help: "Agents currently busy in a pool.",
	}, []string{"pool"})
	metricPoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_pool_agents_idle",
		Help: "Agents currently idle in a pool.",
	}, []string{"pool"})
	metricExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_pool_executions_total",
		Help: "Cumulative task executions observed per pool at sample time.",
	}, []string{"pool"})
)

// Registry names the Prometheus registerer the monitor publishes to.
// The monitor registers its package-level collectors with this
// caller-supplied registerer rather than the global default one.
type Registry interface {
	MustRegister(...prometheus.Collector)
}

// Monitor runs the pool sample loop.
type Monitor struct {
	pools    PoolSource
	snapshots *store.Pools
	router   *Router
	log      *zap.SugaredLogger
	interval time.Duration

	mu         sync.Mutex
	poolNames  []string
	lastCounts map[string]pool.Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Monitor. reg may be nil to skip Prometheus registration
// (e.g. in tests).
func New(pools PoolSource, snapshots *store.Pools, router *Router, log *zap.SugaredLogger, interval time.Duration, reg Registry) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if reg != nil {
		reg.MustRegister(metricPoolTotal, metricPoolBusy, metricPoolIdle, metricExecutions)
	}
	return &Monitor{
		pools:      pools,
		snapshots:  snapshots,
		router:     router,
		log:        log,
		interval:   interval,
		lastCounts: make(map[string]pool.Stats),
	}
}

// Watch registers a pool name for sampling. Idempotent.
func (m *Monitor) Watch(poolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.poolNames {
		if n == poolName {
			return
		}
	}
	m.poolNames = append(m.poolNames, poolName)
}

// Start begins the background sample loop. Idempotent: a second Start
// on an already-running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, stopCh)
}

// Stop halts the sample loop and waits for the in-flight sample to
// finish. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleAll(ctx)
		}
	}
}

// sampleAll collects one round of pool stats. A collection failure for
// one pool is logged and skipped; it never aborts the round.
func (m *Monitor) sampleAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, len(m.poolNames))
	copy(names, m.poolNames)
	m.mu.Unlock()

	windowStart := time.Now().UTC()
	for _, name := range names {
		stats, err := m.pools.Stats(name)
		if err != nil {
			m.log.Warnw("pool sample failed", "pool", name, "error", err)
			continue
		}
		m.publish(name, stats)
		m.checkAlerts(name, stats)

		if m.snapshots != nil {
			snap := &domain.PoolMetricsSnapshot{
				PoolName:       name,
				WindowStart:    windowStart,
				WindowEnd:      time.Now().UTC(),
				ExecutionCount: stats.Executions,
				SuccessCount:   stats.Success,
				FailureCount:   stats.Failure,
				PeakAgentCount: stats.Total,
				AvgAgentCount:  float64(stats.Total),
				CreatedAt:      time.Now().UTC(),
			}
			if err := m.snapshots.InsertMetricsSnapshot(ctx, snap); err != nil {
				m.log.Warnw("pool snapshot persist failed", "pool", name, "error", err)
			}
		}
	}
}

func (m *Monitor) publish(poolName string, stats pool.Stats) {
	metricPoolTotal.WithLabelValues(poolName).Set(float64(stats.Total))
	metricPoolBusy.WithLabelValues(poolName).Set(float64(stats.Busy))
	metricPoolIdle.WithLabelValues(poolName).Set(float64(stats.Idle))

	m.mu.Lock()
	prev := m.lastCounts[poolName]
	m.lastCounts[poolName] = stats
	m.mu.Unlock()
	if delta := stats.Executions - prev.Executions; delta > 0 {
		metricExecutions.WithLabelValues(poolName).Add(float64(delta))
	}

	m.log.Infow("pool sample", "pool", poolName, "total", stats.Total, "busy", stats.Busy,
		"idle", stats.Idle, "executions", stats.Executions, "success", stats.Success, "failure", stats.Failure)
}

func (m *Monitor) checkAlerts(poolName string, stats pool.Stats) {
	if m.router == nil {
		return
	}
	total := stats.Success + stats.Failure
	if total > 0 {
		failRate := float64(stats.Failure) / float64(total)
		if failRate >= unhealthyFailureRateThreshold {
			m.router.Route(AlertEvent{
				PoolName: poolName,
				Reason:   fmt.Sprintf("failure rate %.0f%% over last %d executions", failRate*100, total),
				Stats:    stats,
				Timestamp: time.Now().UTC(),
			})
		}
	}
	if stats.Total > 0 && float64(stats.Busy)/float64(stats.Total) >= poolSaturatedThreshold {
		m.router.Route(AlertEvent{
			PoolName: poolName,
			Reason:   "pool fully saturated: all agents busy",
			Stats:    stats,
			Timestamp: time.Now().UTC(),
		})
	}
}
