// Package audit keeps the append-only before/after trail of every financial
// mutation. Entries are written inside the caller's transaction.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entry is one row of audit.audit_log.
type Entry struct {
	ID          int64           `json:"id"`
	TenantID    *uuid.UUID      `json:"tenant_id,omitempty"`
	FacilityID  *uuid.UUID      `json:"facility_id,omitempty"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	Action      Action          `json:"action"`
	OldData     json.RawMessage `json:"old_data,omitempty"`
	NewData     json.RawMessage `json:"new_data,omitempty"`
	PerformedBy *uuid.UUID      `json:"performed_by,omitempty"`
	PerformedAt time.Time       `json:"performed_at"`
}

// Event describes a mutation to record. Old and New are marshalled to JSON;
// nil means absent (insert has no Old, delete has no New).
type Event struct {
	TenantID   uuid.UUID
	FacilityID uuid.UUID
	Table      string
	RecordID   string
	Action     Action
	Old        interface{}
	New        interface{}
}

// Filter narrows ListEntries. Zero values match everything.
type Filter struct {
	TenantID   uuid.UUID
	FacilityID uuid.UUID
	TableName  string
	RecordID   string
}
