package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the events audit table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload is the structured detail stored with an event row.
type EventPayload map[string]any

// Append records one audit row inside the caller's transaction, so the event
// commits or rolls back together with the mutation it describes. entityID
// may be empty for pool-wide events.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, entity, actorID, string(data))
	return err
}
