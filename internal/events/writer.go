package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction. The sequence
// number is assigned per subject entity under the same transaction, so
// per-entity ordering is gapless even with concurrent writers.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(seq,ts,type,entity_kind,entity_id,project_id,actor_id,payload_json)
VALUES ((SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE entity_kind=? AND entity_id=?),?,?,?,?,?,?,?)`,
		entityKind, entityID, ts, evtType, entityKind, entityID, nullable(projectID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
