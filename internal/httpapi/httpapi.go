// Package httpapi exposes the REST surface with gorilla/mux: flow
// metrics, backlog items, persona CRUD, credit activity, pool admin,
// and the websocket upgrade endpoint, over the orchestration core's
// stores and controllers.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/fanout"
	"github.com/vibesdlc/orchestrator/internal/kanban"
	"github.com/vibesdlc/orchestrator/internal/pool"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// maxPayloadSize caps request bodies.
const maxPayloadSize = 1 << 20

// Publisher emits story.events when a move changes status.
type Publisher interface {
	Publish(topic domain.Topic, event any) error
}

// PoolAdmin is the pool manager surface behind the admin endpoints
// the CLI drives.
type PoolAdmin interface {
	Start(ctx context.Context, cfg domain.AgentPool) error
	Stop(ctx context.Context, name string) error
	Stats(poolName string) (pool.Stats, error)
}

// Server wires the REST handlers over the persistence and control
// surfaces.
type Server struct {
	router    *mux.Router
	stories   *store.Stories
	personas  *store.Personas
	credits   *store.CreditActivities
	board     *kanban.Controller
	hub       *fanout.Hub
	poolAdmin PoolAdmin
	poolStore *store.Pools
	publisher Publisher
	log       *zap.SugaredLogger
}

func New(stories *store.Stories, personas *store.Personas, credits *store.CreditActivities,
	board *kanban.Controller, hub *fanout.Hub, log *zap.SugaredLogger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		stories:  stories,
		personas: personas,
		credits:  credits,
		board:    board,
		hub:      hub,
		log:      log,
	}
	s.routes()
	return s
}

// WithPoolAdmin enables the /pools admin endpoints. Call before
// serving.
func (s *Server) WithPoolAdmin(admin PoolAdmin, pools *store.Pools) *Server {
	s.poolAdmin = admin
	s.poolStore = pools
	return s
}

// WithPublisher makes successful status moves emit story.events. Call
// before serving.
func (s *Server) WithPublisher(pub Publisher) *Server {
	s.publisher = pub
	return s
}

// Handler returns the root http.Handler for cmd/orchestratord to
// mount.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/projects/{id}/flow-metrics", s.handleFlowMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/board", s.handleBoard).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/wip", s.handleWIP).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/bottlenecks", s.handleBottlenecks).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/epics/{epic}/progress", s.handleEpicProgress).Methods(http.MethodGet)

	s.router.HandleFunc("/backlog-items", s.handleBacklogList).Methods(http.MethodGet)
	s.router.HandleFunc("/backlog-items/{id}/move", s.handleBacklogMove).Methods(http.MethodPut)

	s.router.HandleFunc("/personas", s.handlePersonaList).Methods(http.MethodGet)
	s.router.HandleFunc("/personas", s.handlePersonaCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/personas/{id}", s.handlePersonaGet).Methods(http.MethodGet)
	s.router.HandleFunc("/personas/{id}", s.handlePersonaUpdate).Methods(http.MethodPut)
	s.router.HandleFunc("/personas/{id}", s.handlePersonaDelete).Methods(http.MethodDelete)

	s.router.HandleFunc("/credits/activities", s.handleCreditActivities).Methods(http.MethodGet)

	s.router.HandleFunc("/pools/{name}/start", s.handlePoolStart).Methods(http.MethodPost)
	s.router.HandleFunc("/pools/{name}/stop", s.handlePoolStop).Methods(http.MethodPost)
	s.router.HandleFunc("/pools/{name}/stats", s.handlePoolStats).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/{project}", s.handleWS).Methods(http.MethodGet)
}

func newID() string { return uuid.New().String() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch apperr.Of(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
		// Sanitized user-visible message; diagnostic detail stays in
		// the logs.
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// FlowMetrics is the GET /projects/{id}/flow-metrics response shape.
type FlowMetrics struct {
	AvgCycleTimeHours float64 `json:"avg_cycle_time_hours"`
	AvgLeadTimeHours  float64 `json:"avg_lead_time_hours"`
	ThroughputPerWeek float64 `json:"throughput_per_week"`
	TotalCompleted    int     `json:"total_completed"`
	WorkInProgress    int     `json:"work_in_progress"`
}

func (s *Server) handleFlowMetrics(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, apperr.Validation("httpapi.flowMetrics", "days must be a positive integer"))
			return
		}
		days = n
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	completed, err := s.stories.CompletedSince(r.Context(), projectID, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	inProgress, err := s.stories.ListByColumn(r.Context(), projectID, domain.StatusInProgress)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var cycleSum time.Duration
	for _, st := range completed {
		cycleSum += st.StatusChangedAt.Sub(st.CreatedAt)
	}
	metrics := FlowMetrics{
		TotalCompleted:    len(completed),
		WorkInProgress:    len(inProgress),
		ThroughputPerWeek: float64(len(completed)) / (float64(days) / 7.0),
	}
	if len(completed) > 0 {
		avg := cycleSum / time.Duration(len(completed))
		metrics.AvgCycleTimeHours = avg.Hours()
		metrics.AvgLeadTimeHours = avg.Hours()
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.board.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleWIP(w http.ResponseWriter, r *http.Request) {
	wip, err := s.board.WIPStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wip)
}

func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	threshold := 0
	if v := r.URL.Query().Get("threshold_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, apperr.Validation("httpapi.bottlenecks", "threshold_hours must be an integer"))
			return
		}
		threshold = n
	}
	out, err := s.board.DetectBottlenecks(r.Context(), mux.Vars(r)["id"], threshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEpicProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	progress, err := s.board.EpicProgress(r.Context(), vars["id"], vars["epic"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleBacklogList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project_id")
	if projectID == "" {
		s.writeError(w, apperr.Validation("httpapi.backlog", "project_id is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := s.stories.ListBacklog(r.Context(), projectID,
		domain.StoryStatus(q.Get("status")), q.Get("assignee_id"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

func (s *Server) handleBacklogMove(w http.ResponseWriter, r *http.Request) {
	storyID := mux.Vars(r)["id"]
	q := r.URL.Query()
	newStatus := q.Get("new_status")
	newRank := q.Get("new_rank")
	if newStatus == "" && newRank == "" {
		s.writeError(w, apperr.Validation("httpapi.move", "new_status or new_rank is required"))
		return
	}

	if newStatus != "" {
		before, err := s.stories.Get(r.Context(), storyID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.board.Move(r.Context(), storyID, domain.StoryStatus(newStatus)); err != nil {
			s.writeError(w, err)
			return
		}
		if s.publisher != nil {
			evt := domain.StoryEvent{
				EventID:    newID(),
				StoryID:    storyID,
				ProjectID:  before.ProjectID,
				FromStatus: before.Status,
				ToStatus:   domain.StoryStatus(newStatus),
				Timestamp:  time.Now().UTC(),
			}
			if err := s.publisher.Publish(domain.TopicStoryEvents, evt); err != nil {
				s.log.Warnw("story event publish failed", "story", storyID, "error", err)
			}
		}
	}
	if newRank != "" {
		if err := s.stories.UpdateRank(r.Context(), storyID, newRank); err != nil {
			s.writeError(w, err)
			return
		}
	}

	story, err := s.stories.Get(r.Context(), storyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

func (s *Server) handlePersonaList(w http.ResponseWriter, r *http.Request) {
	personas, err := s.personas.List(r.Context(), domain.Role(r.URL.Query().Get("role")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, personas)
}

func (s *Server) handlePersonaGet(w http.ResponseWriter, r *http.Request) {
	persona, err := s.personas.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, persona)
}

func (s *Server) decodePersona(w http.ResponseWriter, r *http.Request) (*domain.Persona, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var persona domain.Persona
	if err := json.NewDecoder(r.Body).Decode(&persona); err != nil {
		s.writeError(w, apperr.Validation("httpapi.persona", "invalid JSON body"))
		return nil, false
	}
	if persona.Name == "" || persona.Role == "" {
		s.writeError(w, apperr.Validation("httpapi.persona", "name and role are required"))
		return nil, false
	}
	return &persona, true
}

func (s *Server) handlePersonaCreate(w http.ResponseWriter, r *http.Request) {
	persona, ok := s.decodePersona(w, r)
	if !ok {
		return
	}
	if persona.ID == "" {
		persona.ID = newID()
	}
	if err := s.personas.Create(r.Context(), persona); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, persona)
}

func (s *Server) handlePersonaUpdate(w http.ResponseWriter, r *http.Request) {
	persona, ok := s.decodePersona(w, r)
	if !ok {
		return
	}
	persona.ID = mux.Vars(r)["id"]
	if err := s.personas.Update(r.Context(), persona); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, persona)
}

func (s *Server) handlePersonaDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.personas.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreditActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		s.writeError(w, apperr.Validation("httpapi.credits", "user_id is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	activities, err := s.credits.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var tokens int64
	var delta float64
	for _, a := range activities {
		tokens += a.TokensUsed
		delta += a.CreditsDelta
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": activities,
		"summary": map[string]any{
			"total_tokens":  tokens,
			"credits_delta": delta,
			"count":         len(activities),
		},
	})
}

func (s *Server) handlePoolStart(w http.ResponseWriter, r *http.Request) {
	if s.poolAdmin == nil || s.poolStore == nil {
		s.writeError(w, apperr.Validation("httpapi.pools", "pool administration not enabled"))
		return
	}
	name := mux.Vars(r)["name"]
	cfg, err := s.poolStore.GetPool(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.poolAdmin.Start(r.Context(), *cfg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pool": name, "status": "started"})
}

func (s *Server) handlePoolStop(w http.ResponseWriter, r *http.Request) {
	if s.poolAdmin == nil {
		s.writeError(w, apperr.Validation("httpapi.pools", "pool administration not enabled"))
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.poolAdmin.Stop(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pool": name, "status": "stopped"})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.poolAdmin == nil {
		s.writeError(w, apperr.Validation("httpapi.pools", "pool administration not enabled"))
		return
	}
	stats, err := s.poolAdmin.Stats(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "websocket fan-out disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.hub.ServeWS(w, r, mux.Vars(r)["project"]); err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
	}
}
