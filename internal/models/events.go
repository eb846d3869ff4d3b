package models

import (
	"encoding/json"
	"time"
)

// Events pushed to realtime subscribers of a doctor's queue.
const (
	EventEntryAdded      = "queue.entry.added"
	EventEntryRemoved    = "queue.entry.removed"
	EventPositionChanged = "queue.position.changed"
	EventDoctorStatus    = "doctor.status.changed"
)

type QueueEvent struct {
	Type      string      `json:"type"`
	DoctorID  string      `json:"doctor_id"`
	Entry     *QueueEntry `json:"entry,omitempty"`
	Doctor    *Doctor     `json:"doctor,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Audit event types.
const (
	AuditEntryAdded         = "QUEUE_ENTRY_ADDED"
	AuditEntryRemoved       = "QUEUE_ENTRY_REMOVED"
	AuditEntryStatusChanged = "QUEUE_ENTRY_STATUS_CHANGED"
	AuditEntryReordered     = "QUEUE_ENTRY_REORDERED"
	AuditCalledNext         = "QUEUE_CALLED_NEXT"
	AuditCheckIn            = "QUEUE_CHECK_IN"
	AuditDoctorStatus       = "DOCTOR_STATUS_CHANGED"
)

type AuditEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	DoctorID   string          `json:"doctor_id"`
	EntryID    string          `json:"entry_id,omitempty"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type QueueSnapshot struct {
	Doctor     Doctor       `json:"doctor"`
	Waiting    []QueueEntry `json:"waiting"`
	InProgress *QueueEntry  `json:"in_progress,omitempty"`
}
