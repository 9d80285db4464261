package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Pools persists AgentPool and Agent rows for internal/pool.
type Pools struct{ db *DB }

func NewPools(db *DB) *Pools { return &Pools{db: db} }

// UpsertPool inserts or replaces a pool's static configuration.
func (p *Pools) UpsertPool(ctx context.Context, pool *domain.AgentPool) error {
	personasJSON, err := json.Marshal(pool.AllowedPersonas)
	if err != nil {
		return apperr.Internal("pools.upsertPool", err)
	}
	llmJSON, err := json.Marshal(pool.LLMConfig)
	if err != nil {
		return apperr.Internal("pools.upsertPool", err)
	}
	_, err = p.db.conn.ExecContext(ctx, `
		INSERT INTO agent_pools (name, role, max_agents, health_check_interval_ms, current_agent_count,
			total_spawned, total_terminated, is_active, allowed_personas, llm_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET role=excluded.role, max_agents=excluded.max_agents,
			health_check_interval_ms=excluded.health_check_interval_ms, is_active=excluded.is_active,
			allowed_personas=excluded.allowed_personas, llm_config=excluded.llm_config`,
		pool.Name, pool.Role, pool.MaxAgents, pool.HealthCheckInterval.Milliseconds(), pool.CurrentAgentCount,
		pool.TotalSpawned, pool.TotalTerminated, pool.IsActive, string(personasJSON), string(llmJSON))
	if err != nil {
		return apperr.Internal("pools.upsertPool", err)
	}
	return nil
}

// UpdateCounters persists the in-memory spawn/terminate counters; the
// caller (internal/pool) invokes it right after updating them, once
// the pool lock is released.
func (p *Pools) UpdateCounters(ctx context.Context, name string, current int, spawned, terminated int64) error {
	_, err := p.db.conn.ExecContext(ctx,
		`UPDATE agent_pools SET current_agent_count = ?, total_spawned = ?, total_terminated = ? WHERE name = ?`,
		current, spawned, terminated, name)
	if err != nil {
		return apperr.Internal("pools.updateCounters", err)
	}
	return nil
}

// GetPool fetches one pool's configuration/counters.
func (p *Pools) GetPool(ctx context.Context, name string) (*domain.AgentPool, error) {
	row := p.db.conn.QueryRowContext(ctx, `
		SELECT name, role, max_agents, health_check_interval_ms, current_agent_count, total_spawned,
			total_terminated, is_active, allowed_personas, llm_config FROM agent_pools WHERE name = ?`, name)
	var pool domain.AgentPool
	var personasJSON, llmJSON string
	var intervalMS int64
	if err := row.Scan(&pool.Name, &pool.Role, &pool.MaxAgents, &intervalMS, &pool.CurrentAgentCount,
		&pool.TotalSpawned, &pool.TotalTerminated, &pool.IsActive, &personasJSON, &llmJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("pools.getPool", "pool not found: "+name)
		}
		return nil, apperr.Internal("pools.getPool", err)
	}
	pool.HealthCheckInterval = time.Duration(intervalMS) * time.Millisecond
	json.Unmarshal([]byte(personasJSON), &pool.AllowedPersonas)
	json.Unmarshal([]byte(llmJSON), &pool.LLMConfig)
	return &pool, nil
}

// UpsertAgent inserts or replaces an agent row.
func (p *Pools) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	_, err := p.db.conn.ExecContext(ctx, `
		INSERT INTO agents (id, project_id, role, name, status, persona_id, pool_name, current_task_id,
			health_failures, spawned_at, last_seen, terminated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, current_task_id=excluded.current_task_id,
			health_failures=excluded.health_failures, last_seen=excluded.last_seen, terminated_at=excluded.terminated_at`,
		a.ID, a.ProjectID, a.Role, a.Name, a.Status, a.PersonaID, a.PoolName, a.CurrentTaskID,
		a.HealthFailures, a.SpawnedAt, a.LastSeen, a.TerminatedAt)
	if err != nil {
		return apperr.Internal("pools.upsertAgent", err)
	}
	return nil
}

// ListAgentsByPool returns every agent row for a pool.
func (p *Pools) ListAgentsByPool(ctx context.Context, poolName string) ([]*domain.Agent, error) {
	rows, err := p.db.conn.QueryContext(ctx, `
		SELECT id, project_id, role, name, status, COALESCE(persona_id,''), pool_name, COALESCE(current_task_id,''),
			health_failures, spawned_at, last_seen, terminated_at FROM agents WHERE pool_name = ?`, poolName)
	if err != nil {
		return nil, apperr.Internal("pools.listAgentsByPool", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		var a domain.Agent
		var terminatedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Role, &a.Name, &a.Status, &a.PersonaID, &a.PoolName,
			&a.CurrentTaskID, &a.HealthFailures, &a.SpawnedAt, &a.LastSeen, &terminatedAt); err != nil {
			return nil, apperr.Internal("pools.listAgentsByPool", err)
		}
		if terminatedAt.Valid {
			a.TerminatedAt = &terminatedAt.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertMetricsSnapshot appends an immutable pool metrics row.
func (p *Pools) InsertMetricsSnapshot(ctx context.Context, snap *domain.PoolMetricsSnapshot) error {
	tokensJSON, err := json.Marshal(snap.TokensPerModel)
	if err != nil {
		return apperr.Internal("pools.insertMetricsSnapshot", err)
	}
	snap.CreatedAt = time.Now().UTC()
	_, err = p.db.conn.ExecContext(ctx, `
		INSERT INTO pool_metrics_snapshots (pool_name, window_start, window_end, total_tokens, tokens_per_model,
			request_count, peak_agent_count, avg_agent_count, execution_count, success_count, failure_count,
			avg_duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.PoolName, snap.WindowStart, snap.WindowEnd, snap.TotalTokens, string(tokensJSON), snap.RequestCount,
		snap.PeakAgentCount, snap.AvgAgentCount, snap.ExecutionCount, snap.SuccessCount, snap.FailureCount,
		snap.AvgDurationMS, snap.CreatedAt)
	if err != nil {
		return apperr.Internal("pools.insertMetricsSnapshot", err)
	}
	return nil
}
