package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"boardline/internal/domain"
)

// Event types written by the row service.
const (
	TypeCreated = "entity.created"
	TypeUpdated = "entity.updated"
	TypeDeleted = "entity.deleted"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

// Payload is the free-form body of an event.
type Payload map[string]any

// Append records that actor changed entityID in collection.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, collection, entityID string, actor domain.Principal, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,collection,entity_id,actor_id,tenant_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, collection, nullable(entityID), actor.OwnerID, nullable(actor.TenantID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// PatchPayload lists the fields a patch touched with their new values.
func PatchPayload(p domain.Patch) Payload {
	data, err := json.Marshal(p)
	if err != nil {
		return Payload{}
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return Payload{}
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
