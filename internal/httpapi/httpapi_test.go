package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/kanban"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

type fixture struct {
	server    *Server
	stories   *store.Stories
	personas  *store.Personas
	credits   *store.CreditActivities
	pools     *store.Pools
	projectID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	projects := store.NewProjects(db)
	stories := store.NewStories(db)
	personas := store.NewPersonas(db)
	credits := store.NewCreditActivities(db)
	pools := store.NewPools(db)

	projectID := uuid.New().String()
	if err := projects.Create(context.Background(), &domain.Project{
		ID: projectID, Name: "Test",
		WIPConfig: map[string]domain.WIPLimit{"InProgress": {Limit: 3, Type: domain.WIPHard}},
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	board := kanban.New(stories, projects)
	srv := New(stories, personas, credits, board, nil, logging.Noop().Sugar())
	return &fixture{server: srv, stories: stories, personas: personas, credits: credits, pools: pools, projectID: projectID}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestFlowMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two completed stories and one in flight.
	for i := 0; i < 2; i++ {
		s := &domain.Story{
			ID: uuid.New().String(), ProjectID: f.projectID, Title: "done",
			Status: domain.StatusDone, Priority: domain.PriorityMedium, Rank: "m",
		}
		if err := f.stories.Create(ctx, s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := f.stories.Create(ctx, &domain.Story{
		ID: uuid.New().String(), ProjectID: f.projectID, Title: "wip",
		Status: domain.StatusInProgress, Priority: domain.PriorityMedium, Rank: "m",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/projects/"+f.projectID+"/flow-metrics?days=7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var metrics FlowMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if metrics.TotalCompleted != 2 {
		t.Fatalf("total_completed = %d, want 2", metrics.TotalCompleted)
	}
	if metrics.WorkInProgress != 1 {
		t.Fatalf("work_in_progress = %d, want 1", metrics.WorkInProgress)
	}
	if metrics.ThroughputPerWeek != 2 {
		t.Fatalf("throughput_per_week = %v, want 2", metrics.ThroughputPerWeek)
	}

	if rec := f.do(t, http.MethodGet, "/projects/"+f.projectID+"/flow-metrics?days=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid days: status = %d, want 400", rec.Code)
	}
}

func TestBacklogListAndMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.New().String()
		if err := f.stories.Create(ctx, &domain.Story{
			ID: ids[i], ProjectID: f.projectID, Title: fmt.Sprintf("story %d", i),
			Status: domain.StatusTodo, Priority: domain.PriorityMedium,
			Rank: fmt.Sprintf("%c", 'a'+i),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/backlog-items?project_id="+f.projectID+"&status=Todo&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page struct {
		Items []domain.Story `json:"items"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Count != 2 {
		t.Fatalf("count = %d, want 2 (limit)", page.Count)
	}
	if page.Items[0].Rank > page.Items[1].Rank {
		t.Fatal("items not ordered by rank")
	}

	// Legal forward move with a new rank.
	rec = f.do(t, http.MethodPut, "/backlog-items/"+ids[0]+"/move?new_status=InProgress&new_rank=z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("move status = %d, body %s", rec.Code, rec.Body.String())
	}
	var moved domain.Story
	if err := json.Unmarshal(rec.Body.Bytes(), &moved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if moved.Status != domain.StatusInProgress || moved.Rank != "z" {
		t.Fatalf("moved = %s/%s, want InProgress/z", moved.Status, moved.Rank)
	}

	// Illegal transition (Todo -> Done) is a conflict.
	rec = f.do(t, http.MethodPut, "/backlog-items/"+ids[1]+"/move?new_status=Done", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("illegal move status = %d, want 409", rec.Code)
	}
}

func TestPersonaCRUD(t *testing.T) {
	f := newFixture(t)

	persona := domain.Persona{
		Name: "Pragmatist", Role: domain.RoleDeveloper,
		Traits: []string{"terse"}, Style: "direct",
	}
	rec := f.do(t, http.MethodPost, "/personas", persona)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created domain.Persona
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Duplicate (name, role) conflicts.
	if rec := f.do(t, http.MethodPost, "/personas", persona); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}

	created.Style = "blunt"
	if rec := f.do(t, http.MethodPut, "/personas/"+created.ID, created); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/personas?role=developer", nil); rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	// Delete blocked while an active agent references the persona.
	pool := domain.AgentPool{Name: "dev-pool", Role: domain.RoleDeveloper, MaxAgents: 2, HealthCheckInterval: time.Minute}
	if err := f.pools.UpsertPool(context.Background(), &pool); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	agent := &domain.Agent{
		ID: uuid.New().String(), ProjectID: f.projectID, Role: domain.RoleDeveloper,
		Name: "developer-001", Status: domain.AgentIdle, PersonaID: created.ID,
		PoolName: "dev-pool", SpawnedAt: time.Now().UTC(), LastSeen: time.Now().UTC(),
	}
	if err := f.pools.UpsertAgent(context.Background(), agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if rec := f.do(t, http.MethodDelete, "/personas/"+created.ID, nil); rec.Code != http.StatusConflict {
		t.Fatalf("delete with active agent: status = %d, want 409", rec.Code)
	}

	agent.Status = domain.AgentTerminated
	if err := f.pools.UpsertAgent(context.Background(), agent); err != nil {
		t.Fatalf("terminate agent: %v", err)
	}
	if rec := f.do(t, http.MethodDelete, "/personas/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
}

func TestCreditActivities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.credits.Record(ctx, &domain.CreditActivity{
			ProjectID: f.projectID, UserID: "U1", TokensUsed: 100,
			Model: "m", LLMCalls: 1, CreditsDelta: -0.5, Reason: "task",
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/credits/activities?user_id=U1&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Activities []domain.CreditActivity `json:"activities"`
		Summary    struct {
			TotalTokens  int64   `json:"total_tokens"`
			CreditsDelta float64 `json:"credits_delta"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Activities) != 3 || out.Summary.TotalTokens != 300 {
		t.Fatalf("activities = %d tokens = %d, want 3/300", len(out.Activities), out.Summary.TotalTokens)
	}

	if rec := f.do(t, http.MethodGet, "/credits/activities", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id: status = %d, want 400", rec.Code)
	}
}
