package repo

import (
	"context"
	"database/sql"

	"garrison/internal/domain"
)

func (r Repo) InsertChatEntry(ctx context.Context, tx *sql.Tx, e domain.ChatEntry) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT INTO chat_entries(conscript_id,directive_id,role,body,created_at) VALUES (?,?,?,?,?)`,
		e.ConscriptID, nullablePtr(e.DirectiveID), e.Role, e.Body, e.CreatedAt)
	return err
}

// ListChatEntries returns a conscript's history oldest first. When directiveID
// is non-empty only entries for that directive are returned (prior-attempt
// context for prompt building).
func (r Repo) ListChatEntries(ctx context.Context, conscriptID, directiveID string) ([]domain.ChatEntry, error) {
	query := `SELECT id,conscript_id,directive_id,role,body,created_at FROM chat_entries WHERE conscript_id=?`
	args := []any{conscriptID}
	if directiveID != "" {
		query += ` AND directive_id=?`
		args = append(args, directiveID)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatEntry
	for rows.Next() {
		var e domain.ChatEntry
		var directive sql.NullString
		if err := rows.Scan(&e.ID, &e.ConscriptID, &directive, &e.Role, &e.Body, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DirectiveID = strPtr(directive)
		res = append(res, e)
	}
	return res, rows.Err()
}

// DirectiveChatHistory returns every chat entry recorded against a directive
// across all conscripts, oldest first. Feeds prior-attempt context into the
// prompt when a directive is reassigned.
func (r Repo) DirectiveChatHistory(ctx context.Context, tx *sql.Tx, directiveID string) ([]domain.ChatEntry, error) {
	rows, err := r.ex(tx).QueryContext(ctx, `SELECT id,conscript_id,directive_id,role,body,created_at FROM chat_entries WHERE directive_id=? ORDER BY id ASC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatEntry
	for rows.Next() {
		var e domain.ChatEntry
		var directive sql.NullString
		if err := rows.Scan(&e.ID, &e.ConscriptID, &directive, &e.Role, &e.Body, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DirectiveID = strPtr(directive)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns recent audit rows, newest first, with optional filters.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	args := []any{}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	if n <= 0 {
		n = 20
	}
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEventsSince counts events of a type at or after ts.
func (r Repo) CountEventsSince(ctx context.Context, evtType, ts string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type=? AND ts >= ?`, evtType, ts).Scan(&n)
	return n, err
}
