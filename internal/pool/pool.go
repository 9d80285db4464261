// Package pool implements the pool manager: per-role pools of worker
// agents with admission control, health supervision, and stats
// aggregation. A worker is an abstract LLM-agent handle rather than a
// local process, so spawning is a caller-supplied SpawnFunc.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// maxHealthFailures is the consecutive-failure tolerance before an
// agent is terminated by health supervision.
const maxHealthFailures = 2

// SpawnFunc creates a new worker for a role/project/persona. The
// caller (cmd/orchestratord) supplies the concrete implementation that
// reaches across the LLM-provider boundary; this package only tracks
// the resulting handle.
type SpawnFunc func(ctx context.Context, role domain.Role, projectID, personaID string) error

// HealthCheckFunc pings one live agent. A non-nil error counts as a
// failed health check.
type HealthCheckFunc func(ctx context.Context, agent *domain.Agent) error

// TerminateFunc releases whatever external resource backs a worker
// (e.g. an LLM session). Best-effort: pool bookkeeping proceeds
// regardless of the returned error, which is only logged.
type TerminateFunc func(ctx context.Context, agent *domain.Agent) error

// Stats is the per-pool counters snapshot.
type Stats struct {
	Total      int   `json:"total"`
	Busy       int   `json:"busy"`
	Idle       int   `json:"idle"`
	Executions int64 `json:"executions"`
	Success    int64 `json:"success"`
	Failure    int64 `json:"failure"`
}

type waiter struct {
	ch chan *domain.Agent
}

// pool is the live, in-process state for one AgentPool row.
type pool struct {
	mu      sync.Mutex
	cfg     domain.AgentPool
	agents  map[string]*domain.Agent // agent id -> agent
	waiters []*waiter
	nameSeq int
	breaker *gobreaker.CircuitBreaker

	executions, success, failure int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Manager owns every registered pool. There is exactly one Manager per
// orchestratord process, constructed in main and threaded to every
// consumer that needs it.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*pool

	store       *store.Pools
	log         *zap.SugaredLogger
	spawn       SpawnFunc
	healthCheck HealthCheckFunc
	terminate   TerminateFunc
}

func NewManager(st *store.Pools, log *zap.SugaredLogger, spawn SpawnFunc, healthCheck HealthCheckFunc, terminate TerminateFunc) *Manager {
	return &Manager{
		pools:       make(map[string]*pool),
		store:       st,
		log:         log,
		spawn:       spawn,
		healthCheck: healthCheck,
		terminate:   terminate,
	}
}

// Start registers a pool and begins its periodic health-check loop.
// Idempotent: starting an already-running pool updates its
// configuration in place without restarting the loop.
func (m *Manager) Start(ctx context.Context, cfg domain.AgentPool) error {
	m.mu.Lock()
	if p, ok := m.pools[cfg.Name]; ok {
		p.mu.Lock()
		cfg.CurrentAgentCount = p.cfg.CurrentAgentCount
		cfg.TotalSpawned = p.cfg.TotalSpawned
		cfg.TotalTerminated = p.cfg.TotalTerminated
		p.cfg = cfg
		p.mu.Unlock()
		m.mu.Unlock()
		return m.store.UpsertPool(ctx, &cfg)
	}
	cfg.IsActive = true
	p := &pool{
		cfg:    cfg,
		agents: make(map[string]*domain.Agent),
		stopCh: make(chan struct{}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "pool:" + cfg.Name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		}),
	}
	m.pools[cfg.Name] = p
	m.mu.Unlock()

	if err := m.store.UpsertPool(ctx, &cfg); err != nil {
		return err
	}

	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p.wg.Add(1)
	go m.healthLoop(p, interval)
	return nil
}

// Stop deactivates a pool: terminates every owned agent and stops the
// health-check loop. Idempotent.
func (m *Manager) Stop(ctx context.Context, name string) error {
	p, err := m.get(name)
	if err != nil {
		return nil
	}

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.cfg.IsActive = false
	p.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, name, id); err != nil {
			m.log.Warnw("terminate during pool stop failed", "pool", name, "agent", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.pools, name)
	m.mu.Unlock()
	return m.store.UpsertPool(ctx, &p.cfg)
}

// Spawn creates a new idle agent in the pool, subject to max_agents
// and the persona whitelist.
func (m *Manager) Spawn(ctx context.Context, poolName, projectID, personaID string) (*domain.Agent, error) {
	p, err := m.get(poolName)
	if err != nil {
		return nil, err
	}
	return m.spawnLocked(ctx, p, projectID, personaID)
}

func (m *Manager) spawnLocked(ctx context.Context, p *pool, projectID, personaID string) (*domain.Agent, error) {
	p.mu.Lock()
	if len(p.cfg.AllowedPersonas) > 0 && personaID != "" && !contains(p.cfg.AllowedPersonas, personaID) {
		p.mu.Unlock()
		return nil, apperr.Validation("pool.spawn", "persona not allowed for pool "+p.cfg.Name)
	}
	if p.cfg.MaxAgents > 0 && len(p.agents) >= p.cfg.MaxAgents {
		p.mu.Unlock()
		return nil, apperr.Conflict("pool.spawn", "pool at max_agents capacity")
	}
	p.nameSeq++
	name := fmt.Sprintf("%s-%03d", p.cfg.Role, p.nameSeq)
	p.mu.Unlock()

	if _, err := p.breaker.Execute(func() (any, error) {
		return nil, nil
	}); err != nil {
		return nil, apperr.Transient("pool.spawn", fmt.Errorf("pool circuit open: %w", err))
	}

	agent := &domain.Agent{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      p.cfg.Role,
		Name:      name,
		Status:    domain.AgentIdle,
		PersonaID: personaID,
		PoolName:  p.cfg.Name,
		SpawnedAt: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}
	if m.spawn != nil {
		if err := m.spawn(ctx, p.cfg.Role, projectID, personaID); err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "pool.spawn", err)
		}
	}

	p.mu.Lock()
	p.agents[agent.ID] = agent
	p.cfg.CurrentAgentCount = len(p.agents)
	p.cfg.TotalSpawned++
	current, spawned, terminated := p.cfg.CurrentAgentCount, p.cfg.TotalSpawned, p.cfg.TotalTerminated
	p.mu.Unlock()

	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := m.store.UpdateCounters(ctx, p.cfg.Name, current, spawned, terminated); err != nil {
		return nil, err
	}
	return agent, nil
}

// Terminate permanently removes an agent from its pool.
func (m *Manager) Terminate(ctx context.Context, poolName, agentID string) error {
	p, err := m.get(poolName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	agent, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return apperr.NotFound("pool.terminate", "agent not found in pool: "+agentID)
	}
	delete(p.agents, agentID)
	p.cfg.CurrentAgentCount = len(p.agents)
	p.cfg.TotalTerminated++
	current, spawned, terminated := p.cfg.CurrentAgentCount, p.cfg.TotalSpawned, p.cfg.TotalTerminated
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}

	if m.terminate != nil {
		if err := m.terminate(ctx, agent); err != nil {
			m.log.Warnw("worker teardown failed", "pool", poolName, "agent", agentID, "error", err)
		}
	}

	now := time.Now().UTC()
	agent.Status = domain.AgentTerminated
	agent.TerminatedAt = &now
	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		return err
	}
	return m.store.UpdateCounters(ctx, poolName, current, spawned, terminated)
}

// Acquire selects an idle agent, spawning one if capacity allows, or
// blocks until one is released or the deadline elapses.
func (m *Manager) Acquire(ctx context.Context, poolName, projectID string, timeout time.Duration) (*domain.Agent, error) {
	p, err := m.get(poolName)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, a := range p.agents {
		if a.Status == domain.AgentIdle {
			a.Status = domain.AgentBusy
			a.LastSeen = time.Now().UTC()
			p.mu.Unlock()
			_ = m.store.UpsertAgent(ctx, a)
			return a, nil
		}
	}
	hasCapacity := p.cfg.MaxAgents <= 0 || len(p.agents) < p.cfg.MaxAgents
	if hasCapacity {
		p.mu.Unlock()
		agent, err := m.spawnLocked(ctx, p, projectID, "")
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		agent.Status = domain.AgentBusy
		agent.LastSeen = time.Now().UTC()
		p.mu.Unlock()
		if err := m.store.UpsertAgent(ctx, agent); err != nil {
			return nil, err
		}
		return agent, nil
	}

	w := &waiter{ch: make(chan *domain.Agent, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case a, ok := <-w.ch:
		if !ok || a == nil {
			return nil, apperr.Transient("pool.acquire", fmt.Errorf("pool %s stopped while waiting", poolName))
		}
		return a, nil
	case <-waitCtx.Done():
		m.removeWaiter(p, w)
		return nil, apperr.Wrap(apperr.KindTransient, "pool.acquire", waitCtx.Err())
	}
}

func (m *Manager) removeWaiter(p *pool, target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns an agent to the pool. An agent currently marked
// unhealthy is terminated instead of recycled.
func (m *Manager) Release(ctx context.Context, poolName string, agent *domain.Agent) error {
	p, err := m.get(poolName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	owned, ok := p.agents[agent.ID]
	if !ok {
		p.mu.Unlock()
		return apperr.NotFound("pool.release", "agent not found in pool: "+agent.ID)
	}
	if owned.Status == domain.AgentUnhealthy {
		p.mu.Unlock()
		return m.Terminate(ctx, poolName, agent.ID)
	}

	owned.Status = domain.AgentIdle
	owned.CurrentTaskID = ""
	owned.LastSeen = time.Now().UTC()

	var handoff *waiter
	if len(p.waiters) > 0 {
		handoff, p.waiters = p.waiters[0], p.waiters[1:]
		owned.Status = domain.AgentBusy
	}
	p.mu.Unlock()

	if err := m.store.UpsertAgent(ctx, owned); err != nil {
		return err
	}
	if handoff != nil {
		handoff.ch <- owned
	}
	return nil
}

// RecordExecution feeds an execution outcome into the pool's rolling
// stats counters (consulted by Stats and by the monitor's metrics
// snapshot).
func (m *Manager) RecordExecution(poolName string, success bool) {
	p, err := m.get(poolName)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.executions++
	if success {
		p.success++
	} else {
		p.failure++
	}
	p.mu.Unlock()
}

// Stats reports the aggregate counters for a pool.
func (m *Manager) Stats(poolName string) (Stats, error) {
	p, err := m.get(poolName)
	if err != nil {
		return Stats{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var busy, idle int
	for _, a := range p.agents {
		if a.Status == domain.AgentBusy {
			busy++
		} else if a.Status == domain.AgentIdle {
			idle++
		}
	}
	return Stats{
		Total:      len(p.agents),
		Busy:       busy,
		Idle:       idle,
		Executions: p.executions,
		Success:    p.success,
		Failure:    p.failure,
	}, nil
}

// HealthCheck pings every live agent in a pool once. Agents that
// exceed the consecutive-failure tolerance are marked unhealthy and
// terminated; the pool's circuit breaker absorbs repeated failures
// across agents so a systemically broken pool stops spawning
// replacements instead of thrashing.
func (m *Manager) HealthCheck(ctx context.Context, poolName string) error {
	p, err := m.get(poolName)
	if err != nil {
		return err
	}
	if m.healthCheck == nil {
		return nil
	}

	p.mu.Lock()
	targets := make([]*domain.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		if a.Status != domain.AgentTerminated {
			targets = append(targets, a)
		}
	}
	p.mu.Unlock()

	for _, a := range targets {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, m.healthCheck(ctx, a)
		})

		p.mu.Lock()
		if err != nil {
			a.HealthFailures++
			if a.HealthFailures >= maxHealthFailures {
				a.Status = domain.AgentUnhealthy
			}
		} else {
			a.HealthFailures = 0
			a.LastSeen = time.Now().UTC()
		}
		failures := a.HealthFailures
		p.mu.Unlock()

		if err := m.store.UpsertAgent(ctx, a); err != nil {
			m.log.Warnw("health check persist failed", "pool", poolName, "agent", a.ID, "error", err)
		}
		if failures >= maxHealthFailures {
			if err := m.Terminate(ctx, poolName, a.ID); err != nil {
				m.log.Warnw("terminate unhealthy agent failed", "pool", poolName, "agent", a.ID, "error", err)
			}
		}
	}
	return nil
}

func (m *Manager) healthLoop(p *pool, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := m.HealthCheck(context.Background(), p.cfg.Name); err != nil {
				m.log.Warnw("health check loop failed", "pool", p.cfg.Name, "error", err)
			}
		}
	}
}

func (m *Manager) get(name string) (*pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	if !ok {
		return nil, apperr.NotFound("pool.get", "pool not registered: "+name)
	}
	return p, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
