// Package audit records the append-only trail of who did what to which
// appointment or encounter. Events are written synchronously inside the
// business transaction (Record), directly (Append) or through a bounded
// background queue (Dispatch), and read back newest first with an opaque
// keyset cursor.
package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EntityAppointment = "appointment"
	EntityEncounter   = "encounter"
	EntityVitals      = "vitals"
)

const (
	ActionAppointmentCreate       = "appointment.create"
	ActionAppointmentUpdate       = "appointment.update"
	ActionAppointmentStatusChange = "appointment.status_change"
	ActionAppointmentDelete       = "appointment.delete"
	ActionEncounterCreate         = "encounter.create"
	ActionEncounterUpdate         = "encounter.update"
	ActionVitalsRecord            = "vitals.create"
)

type Event struct {
	ID          uuid.UUID       `json:"id"`
	ActorUserID uuid.UUID       `json:"actorUserId"`
	Action      string          `json:"action"`
	Entity      string          `json:"entity"`
	EntityID    uuid.UUID       `json:"entityId"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Page is one slice of a Query result. NextCursor is empty on the last page.
type Page struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Metadata marshals v for Event.Metadata. Values that cannot be marshalled
// produce an empty object so the event itself is never lost.
func Metadata(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Cursor is the keyset position of the last event on a page.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodeCursor(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor token: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if c.CreatedAt.IsZero() || c.ID == uuid.Nil {
		return Cursor{}, fmt.Errorf("invalid cursor payload: missing position")
	}
	return c, nil
}
