package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

func newTestManager(t *testing.T, healthCheck HealthCheckFunc) (*Manager, *store.Pools) {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewPools(db)
	m := NewManager(st, logging.Noop().Sugar(), nil, healthCheck, nil)
	return m, st
}

func startPool(t *testing.T, m *Manager, name string, maxAgents int) {
	t.Helper()
	err := m.Start(context.Background(), domain.AgentPool{
		Name:                name,
		Role:                domain.RoleDeveloper,
		MaxAgents:           maxAgents,
		HealthCheckInterval: time.Hour, // keep the loop quiet during tests
	})
	if err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { m.Stop(context.Background(), name) })
}

func TestAcquireSpawnsUpToCapacity(t *testing.T) {
	m, st := newTestManager(t, nil)
	startPool(t, m, "dev", 2)
	ctx := context.Background()

	a1, err := m.Acquire(ctx, "dev", "P1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a2, err := m.Acquire(ctx, "dev", "P1", time.Second)
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	if a1.ID == a2.ID {
		t.Fatal("acquire handed out the same agent twice")
	}

	stats, err := m.Stats("dev")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Busy != 2 || stats.Idle != 0 {
		t.Fatalf("stats = %+v, want total 2 busy 2", stats)
	}

	// current_agent_count must equal total_spawned - total_terminated.
	row, err := st.GetPool(ctx, "dev")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if int64(row.CurrentAgentCount) != row.TotalSpawned-row.TotalTerminated {
		t.Fatalf("counter invariant broken: current=%d spawned=%d terminated=%d",
			row.CurrentAgentCount, row.TotalSpawned, row.TotalTerminated)
	}
}

func TestAcquireBlocksAtMaxAgentsThenTimesOut(t *testing.T) {
	m, _ := newTestManager(t, nil)
	startPool(t, m, "dev", 1)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "dev", "P1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	_, err := m.Acquire(ctx, "dev", "P1", 50*time.Millisecond)
	if !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("saturated acquire error kind = %v, want transient", apperr.Of(err))
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("acquire returned before the deadline: %v", elapsed)
	}
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	m, _ := newTestManager(t, nil)
	startPool(t, m, "dev", 1)
	ctx := context.Background()

	agent, err := m.Acquire(ctx, "dev", "P1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got *domain.Agent
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = m.Acquire(ctx, "dev", "P1", 2*time.Second)
	}()

	// Give the waiter time to enqueue, then release.
	time.Sleep(50 * time.Millisecond)
	if err := m.Release(ctx, "dev", agent); err != nil {
		t.Fatalf("release: %v", err)
	}
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("waiter acquire: %v", gotErr)
	}
	if got.ID != agent.ID {
		t.Fatalf("waiter got agent %s, want recycled %s", got.ID, agent.ID)
	}
	if got.Status != domain.AgentBusy {
		t.Fatalf("handed-off agent status = %s, want busy", got.Status)
	}
}

func TestHealthCheckTerminatesAfterTwoConsecutiveFailures(t *testing.T) {
	failing := func(ctx context.Context, agent *domain.Agent) error {
		return errors.New("ping failed")
	}
	m, st := newTestManager(t, failing)
	startPool(t, m, "dev", 2)
	ctx := context.Background()

	if _, err := m.Spawn(ctx, "dev", "P1", ""); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// First failure: marked but kept.
	if err := m.HealthCheck(ctx, "dev"); err != nil {
		t.Fatalf("health check: %v", err)
	}
	stats, _ := m.Stats("dev")
	if stats.Total != 1 {
		t.Fatalf("agent terminated after one failure, total = %d", stats.Total)
	}

	// Second consecutive failure: terminated.
	if err := m.HealthCheck(ctx, "dev"); err != nil {
		t.Fatalf("health check: %v", err)
	}
	stats, _ = m.Stats("dev")
	if stats.Total != 0 {
		t.Fatalf("agent not terminated after two failures, total = %d", stats.Total)
	}

	row, err := st.GetPool(ctx, "dev")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if row.TotalTerminated != 1 {
		t.Fatalf("total_terminated = %d, want 1", row.TotalTerminated)
	}
}

func TestSpawnRespectsPersonaWhitelist(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.Start(context.Background(), domain.AgentPool{
		Name: "dev", Role: domain.RoleDeveloper, MaxAgents: 2,
		HealthCheckInterval: time.Hour,
		AllowedPersonas:     []string{"pragmatist"},
	})
	if err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { m.Stop(context.Background(), "dev") })

	if _, err := m.Spawn(context.Background(), "dev", "P1", "cowboy"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("disallowed persona error kind = %v, want validation", apperr.Of(err))
	}
	if _, err := m.Spawn(context.Background(), "dev", "P1", "pragmatist"); err != nil {
		t.Fatalf("allowed persona spawn: %v", err)
	}
}

func TestRecordExecutionFeedsStats(t *testing.T) {
	m, _ := newTestManager(t, nil)
	startPool(t, m, "dev", 2)

	m.RecordExecution("dev", true)
	m.RecordExecution("dev", true)
	m.RecordExecution("dev", false)

	stats, err := m.Stats("dev")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Executions != 3 || stats.Success != 2 || stats.Failure != 1 {
		t.Fatalf("stats = %+v, want 3/2/1", stats)
	}
}
