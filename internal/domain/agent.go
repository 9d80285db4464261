package domain

import "time"

// Role is the sum type of agent specializations.
type Role string

const (
	RoleTeamLeader     Role = "team_leader"
	RoleBusinessAnalyst Role = "business_analyst"
	RoleDeveloper      Role = "developer"
	RoleTester         Role = "tester"
)

// AgentStatus is the lifecycle state of a live worker.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentUnhealthy  AgentStatus = "unhealthy"
	AgentTerminated AgentStatus = "terminated"
)

// Agent is a live worker owned exclusively by one Pool.
type Agent struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Role        Role        `json:"role"`
	Name        string      `json:"name"`
	Status      AgentStatus `json:"status"`
	PersonaID   string      `json:"persona_id,omitempty"`
	PoolName    string      `json:"pool_name"`
	// CurrentTaskID is the task the agent is presently executing, so
	// stats and health reporting can show WIP per agent, not just per
	// pool.
	CurrentTaskID  string     `json:"current_task_id,omitempty"`
	HealthFailures int        `json:"health_failures"`
	SpawnedAt      time.Time  `json:"spawned_at"`
	LastSeen       time.Time  `json:"last_seen"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
}

// PoolLLMConfig bundles the model settings passed to the external LLM
// boundary at spawn time; the control plane never calls an LLM itself,
// it only carries the configuration.
type PoolLLMConfig struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

// AgentPool is a set of agents sharing a role and LLM config.
type AgentPool struct {
	Name                string        `json:"name"`
	Role                Role          `json:"role"`
	MaxAgents           int           `json:"max_agents"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	CurrentAgentCount   int           `json:"current_agent_count"`
	TotalSpawned        int64         `json:"total_spawned"`
	TotalTerminated     int64         `json:"total_terminated"`
	IsActive            bool          `json:"is_active"`
	AllowedPersonas     []string      `json:"allowed_personas"`
	LLMConfig           PoolLLMConfig `json:"llm_config"`
}

// PoolMetricsSnapshot is an immutable, time-bucketed record of pool
// activity. Append-only; retained by age.
type PoolMetricsSnapshot struct {
	ID              int64            `json:"id"`
	PoolName        string           `json:"pool_name"`
	WindowStart     time.Time        `json:"window_start"`
	WindowEnd       time.Time        `json:"window_end"`
	TotalTokens     int64            `json:"total_tokens"`
	TokensPerModel  map[string]int64 `json:"tokens_per_model"`
	RequestCount    int64            `json:"request_count"`
	PeakAgentCount  int              `json:"peak_agent_count"`
	AvgAgentCount   float64          `json:"avg_agent_count"`
	ExecutionCount  int64            `json:"execution_count"`
	SuccessCount    int64            `json:"success_count"`
	FailureCount    int64            `json:"failure_count"`
	AvgDurationMS   float64          `json:"avg_duration_ms"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Persona is a template of traits/style applied to a role-specialized
// agent, unique on (Name, Role).
type Persona struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Role                  Role      `json:"role"`
	Traits                []string  `json:"traits"`
	Style                 string    `json:"style"`
	SystemPromptTemplate  string    `json:"system_prompt_template"`
	CreatedAt             time.Time `json:"created_at"`
}
