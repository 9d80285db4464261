package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

const personaColumns = `id, name, role, traits, style, system_prompt_template, created_at`

// Personas backs the `GET /personas`, `POST/PUT/DELETE /personas/{id}`
// CRUD surface: a row-backed store so personas can be created and
// edited at runtime rather than loaded once from a template file.
type Personas struct{ db *DB }

func NewPersonas(db *DB) *Personas { return &Personas{db: db} }

// Create inserts a persona. Uniqueness on (name, role) is enforced by
// the schema; a violation surfaces as apperr.Conflict.
func (p *Personas) Create(ctx context.Context, persona *domain.Persona) error {
	traitsJSON, err := json.Marshal(persona.Traits)
	if err != nil {
		return apperr.Internal("personas.create", err)
	}
	persona.CreatedAt = time.Now().UTC()
	_, err = p.db.conn.ExecContext(ctx, `
		INSERT INTO personas (id, name, role, traits, style, system_prompt_template, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		persona.ID, persona.Name, persona.Role, string(traitsJSON), persona.Style,
		persona.SystemPromptTemplate, persona.CreatedAt)
	if err != nil {
		if isConstraintErr(err) {
			return apperr.Conflict("personas.create", "persona name already used for role "+string(persona.Role))
		}
		return apperr.Internal("personas.create", err)
	}
	return nil
}

// Update replaces a persona's mutable fields.
func (p *Personas) Update(ctx context.Context, persona *domain.Persona) error {
	traitsJSON, err := json.Marshal(persona.Traits)
	if err != nil {
		return apperr.Internal("personas.update", err)
	}
	res, err := p.db.conn.ExecContext(ctx, `
		UPDATE personas SET name = ?, role = ?, traits = ?, style = ?, system_prompt_template = ?
		WHERE id = ?`, persona.Name, persona.Role, string(traitsJSON), persona.Style,
		persona.SystemPromptTemplate, persona.ID)
	if err != nil {
		if isConstraintErr(err) {
			return apperr.Conflict("personas.update", "persona name already used for role "+string(persona.Role))
		}
		return apperr.Internal("personas.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("personas.update", "persona not found: "+persona.ID)
	}
	return nil
}

// Delete hard-deletes a persona. Blocked when any active (non-
// terminated) agent still references it.
func (p *Personas) Delete(ctx context.Context, id string) error {
	var inUse int
	row := p.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE persona_id = ? AND status != ?`, id, domain.AgentTerminated)
	if err := row.Scan(&inUse); err != nil {
		return apperr.Internal("personas.delete", err)
	}
	if inUse > 0 {
		return apperr.Conflict("personas.delete", "persona is referenced by active agents")
	}
	res, err := p.db.conn.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return apperr.Internal("personas.delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("personas.delete", "persona not found: "+id)
	}
	return nil
}

// Get fetches a persona by id.
func (p *Personas) Get(ctx context.Context, id string) (*domain.Persona, error) {
	row := p.db.conn.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id)
	persona, err := scanPersona(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("personas.get", "persona not found: "+id)
	}
	if err != nil {
		return nil, apperr.Internal("personas.get", err)
	}
	return persona, nil
}

// List returns every persona, optionally filtered by role.
func (p *Personas) List(ctx context.Context, role domain.Role) ([]*domain.Persona, error) {
	query := `SELECT ` + personaColumns + ` FROM personas`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY name`
	rows, err := p.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("personas.list", err)
	}
	defer rows.Close()

	var out []*domain.Persona
	for rows.Next() {
		persona, err := scanPersona(rows)
		if err != nil {
			return nil, apperr.Internal("personas.list", err)
		}
		out = append(out, persona)
	}
	return out, rows.Err()
}

func scanPersona(row rowScanner) (*domain.Persona, error) {
	var persona domain.Persona
	var traitsJSON string
	if err := row.Scan(&persona.ID, &persona.Name, &persona.Role, &traitsJSON, &persona.Style,
		&persona.SystemPromptTemplate, &persona.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(traitsJSON), &persona.Traits); err != nil {
		return nil, err
	}
	return &persona, nil
}
