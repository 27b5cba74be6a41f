package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	DesignCreated     = "design.created"
	DesignValidated   = "design.validated"
	DesignRejected    = "design.rejected"
	DesignResubmitted = "design.resubmitted"

	ProductCreated       = "product.created"
	ProductSubmitted     = "product.submitted"
	ProductValidated     = "product.validated"
	ProductPublished     = "product.published"
	ProductReset         = "product.reset"
	ProductInvalidated   = "product.invalidated"
	ProductActionChanged = "product.action_changed"

	APIKeyCreated = "apikey.created"
	APIKeyRevoked = "apikey.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx so it commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
