package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
)

// EventDedup adapts DB to the eventbus.Dedup interface: an event_id is
// "seen" exactly once per topic, backed by the event_dedup table's
// (event_id, topic) primary key.
type EventDedup struct{ db *DB }

func NewEventDedup(db *DB) *EventDedup { return &EventDedup{db: db} }

// Seen records (topic, id) as processed and reports whether it was
// already recorded before this call.
func (e *EventDedup) Seen(ctx context.Context, topic, id string) (bool, error) {
	_, err := e.db.conn.ExecContext(ctx,
		`INSERT INTO event_dedup (event_id, topic, processed_at) VALUES (?, ?, ?)`,
		id, topic, time.Now().UTC())
	if err == nil {
		return false, nil
	}
	// modernc.org/sqlite surfaces a constraint violation as a generic
	// error; a constraint failure on this table means "already seen",
	// while any other insert failure is returned as an internal error.
	if isConstraintErr(err) {
		return true, nil
	}
	return false, apperr.Internal("store.eventDedup.seen", err)
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite wraps SQLITE_CONSTRAINT in its own error type;
	// string-matching is the stable cross-version signal it documents.
	return err != sql.ErrNoRows && containsConstraint(err.Error())
}

func containsConstraint(msg string) bool {
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
