// Package artifacts implements the artifact store: versioned,
// status-gated storage of agent-produced structured documents with
// parent-version lineage. Creating a new version archives its parent;
// history is immutable.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// Publisher emits artifacts.events when an artifact is created,
// versioned, or reviewed.
type Publisher interface {
	Publish(topic domain.Topic, event any) error
}

// Store is the Artifact Store.
type Store struct {
	db            *store.DB
	workspaceRoot string
	publisher     Publisher
	log           *zap.Logger
}

func New(db *store.DB, workspaceRoot string, log *zap.Logger) *Store {
	return &Store{db: db, workspaceRoot: workspaceRoot, log: log}
}

// SetPublisher enables artifacts.events emission. Call before the
// store sees traffic.
func (s *Store) SetPublisher(pub Publisher) { s.publisher = pub }

// notify best-effort publishes an artifacts.events record; a publish
// failure never rolls back the durable write it follows.
func (s *Store) notify(artifactID, projectID string, status domain.ArtifactStatus, version int) {
	if s.publisher == nil {
		return
	}
	evt := domain.ArtifactEvent{
		EventID:    uuid.New().String(),
		ArtifactID: artifactID,
		ProjectID:  projectID,
		Status:     status,
		Version:    version,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.publisher.Publish(domain.TopicArtifactsEvents, evt); err != nil {
		s.log.Warn("artifact event publish failed", zap.String("artifact", artifactID), zap.Error(err))
	}
}

// Create inserts the first version (version=1) of a new artifact.
func (s *Store) Create(ctx context.Context, projectID, agentID, agentName, typ, title string, content map[string]any, tags []string) (*domain.Artifact, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, apperr.Internal("artifacts.create", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, apperr.Internal("artifacts.create", err)
	}

	now := time.Now().UTC()
	a := &domain.Artifact{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		AgentID:   agentID,
		AgentName: agentName,
		Type:      typ,
		Title:     title,
		Content:   content,
		Version:   1,
		Status:    domain.ArtifactDraft,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO artifacts (id, project_id, agent_id, agent_name, type, title, description, content,
			version, parent_id, status, tags, reviewer_id, review_feedback, created_at, updated_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, NULL, ?, ?, '', '', ?, ?, NULL)`,
		a.ID, a.ProjectID, a.AgentID, a.AgentName, a.Type, a.Title, string(contentJSON),
		a.Version, a.Status, string(tagsJSON), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, apperr.Internal("artifacts.create", err)
	}

	s.mirrorToWorkspace(a)
	s.notify(a.ID, a.ProjectID, a.Status, a.Version)
	return a, nil
}

// CreateVersion archives the parent in the same transaction as
// inserting the child with an incremented version and a parent ref.
func (s *Store) CreateVersion(ctx context.Context, parentID string, content map[string]any) (*domain.Artifact, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, apperr.Internal("artifacts.createVersion", err)
	}

	var child *domain.Artifact
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		parent, err := s.getTx(ctx, tx, parentID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ?`,
			domain.ArtifactArchived, time.Now().UTC(), parent.ID); err != nil {
			return apperr.Internal("artifacts.createVersion.archive", err)
		}

		now := time.Now().UTC()
		tagsJSON, _ := json.Marshal(parent.Tags)
		child = &domain.Artifact{
			ID:        uuid.New().String(),
			ProjectID: parent.ProjectID,
			AgentID:   parent.AgentID,
			AgentName: parent.AgentName,
			Type:      parent.Type,
			Title:     parent.Title,
			Content:   content,
			Version:   parent.Version + 1,
			ParentID:  parent.ID,
			Status:    domain.ArtifactDraft,
			Tags:      parent.Tags,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, project_id, agent_id, agent_name, type, title, description, content,
				version, parent_id, status, tags, reviewer_id, review_feedback, created_at, updated_at, reviewed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, NULL)`,
			child.ID, child.ProjectID, child.AgentID, child.AgentName, child.Type, child.Title, parent.Description,
			string(contentJSON), child.Version, child.ParentID, child.Status, string(tagsJSON), child.CreatedAt, child.UpdatedAt)
		if err != nil {
			return apperr.Internal("artifacts.createVersion.insert", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mirrorToWorkspace(child)
	s.notify(child.ID, child.ProjectID, child.Status, child.Version)
	return child, nil
}

// UpdateStatus transitions an artifact's status and records reviewer
// feedback.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.ArtifactStatus, reviewerID, feedback string) error {
	now := time.Now().UTC()
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE artifacts SET status = ?, reviewer_id = ?, review_feedback = ?, reviewed_at = ?, updated_at = ?
		WHERE id = ?`, status, reviewerID, feedback, now, now, id)
	if err != nil {
		return apperr.Internal("artifacts.updateStatus", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("artifacts.updateStatus", "artifact not found: "+id)
	}
	if s.publisher != nil {
		row := s.db.Conn().QueryRowContext(ctx, `SELECT project_id, version FROM artifacts WHERE id = ?`, id)
		var projectID string
		var version int
		if err := row.Scan(&projectID, &version); err == nil {
			s.notify(id, projectID, status, version)
		}
	}
	return nil
}

// Latest returns the highest created_at among non-archived artifacts
// matching (project, type[, title]).
func (s *Store) Latest(ctx context.Context, projectID, typ, title string) (*domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id = ? AND type = ? AND status != ?`
	args := []any{projectID, typ, domain.ArtifactArchived}
	if title != "" {
		query += " AND title = ?"
		args = append(args, title)
	}
	query += " ORDER BY created_at DESC LIMIT 1"

	row := s.db.Conn().QueryRowContext(ctx, query, args...)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("artifacts.latest", "no artifact found")
	}
	if err != nil {
		return nil, apperr.Internal("artifacts.latest", err)
	}
	return a, nil
}

// DeleteByType removes every artifact of a type within a project,
// returning the count removed.
func (s *Store) DeleteByType(ctx context.Context, projectID, typ string) (int, error) {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM artifacts WHERE project_id = ? AND type = ?`, projectID, typ)
	if err != nil {
		return 0, apperr.Internal("artifacts.deleteByType", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const artifactColumns = `id, project_id, agent_id, agent_name, type, title, description, content,
	version, COALESCE(parent_id,''), status, tags, reviewer_id, review_feedback, created_at, updated_at, reviewed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*domain.Artifact, error) {
	var a domain.Artifact
	var contentJSON, tagsJSON string
	var reviewedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ProjectID, &a.AgentID, &a.AgentName, &a.Type, &a.Title, &a.Description,
		&contentJSON, &a.Version, &a.ParentID, &a.Status, &tagsJSON, &a.ReviewerID, &a.ReviewFeedback,
		&a.CreatedAt, &a.UpdatedAt, &reviewedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &a.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if reviewedAt.Valid {
		a.ReviewedAt = &reviewedAt.Time
	}
	return &a, nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Artifact, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("artifacts.get", "artifact not found: "+id)
	}
	if err != nil {
		return nil, apperr.Internal("artifacts.get", err)
	}
	return a, nil
}

// mirrorToWorkspace best-effort writes the artifact to
// projects/{id}/artifacts/{type}_{ts}_v{n}.json for human inspection.
// Storage failure is logged and does not abort the DB write.
func (s *Store) mirrorToWorkspace(a *domain.Artifact) {
	if s.workspaceRoot == "" {
		return
	}
	dir := filepath.Join(s.workspaceRoot, a.ProjectID, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("artifact workspace mirror: mkdir failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("%s_%d_v%d.json", a.Type, a.CreatedAt.Unix(), a.Version)
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		s.log.Warn("artifact workspace mirror: marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		s.log.Warn("artifact workspace mirror: write failed", zap.Error(err))
	}
}
