package queue

import (
	"context"
	"encoding/json"
	"time"

	"clinicq/queue-service/internal/models"

	"github.com/google/uuid"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, string, models.QueueEvent) {}

type nopAudit struct{}

func (nopAudit) Record(context.Context, ...models.AuditEvent) error { return nil }

// record hands events to the audit sink after the change is committed. A
// sink failure is logged; the change itself stands.
func (e *Engine) record(ctx context.Context, events ...models.AuditEvent) {
	if len(events) == 0 {
		return
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), events...); err != nil {
		e.logger.Error().Err(err).Int("events", len(events)).Str("type", events[0].Type).Msg("audit record failed")
	}
}

func (e *Engine) publish(ctx context.Context, eventType, doctorID string, entry *models.QueueEntry, doctor *models.Doctor) {
	e.broadcaster.Publish(ctx, doctorID, models.QueueEvent{
		Type:      eventType,
		DoctorID:  doctorID,
		Entry:     entry,
		Doctor:    doctor,
		CreatedAt: e.now(),
	})
}

func (e *Engine) publishPositions(ctx context.Context, doctorID string, entries []models.QueueEntry) {
	for i := range entries {
		entry := entries[i]
		e.publish(ctx, models.EventPositionChanged, doctorID, &entry, nil)
	}
}

func entryAudit(eventType string, entry models.QueueEntry, fromStatus, requestID string, now time.Time) models.AuditEvent {
	return models.AuditEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		DoctorID:   entry.DoctorID,
		EntryID:    entry.ID,
		FromStatus: fromStatus,
		ToStatus:   entry.Status,
		RequestID:  requestID,
		Payload:    auditPayload(entry, nil),
		CreatedAt:  now,
	}
}

func doctorAudit(doctor models.Doctor, fromStatus, requestID string, now time.Time) models.AuditEvent {
	payload, _ := json.Marshal(doctor)
	return models.AuditEvent{
		ID:         uuid.NewString(),
		Type:       models.AuditDoctorStatus,
		DoctorID:   doctor.ID,
		FromStatus: fromStatus,
		ToStatus:   doctor.AvailabilityStatus,
		RequestID:  requestID,
		Payload:    payload,
		CreatedAt:  now,
	}
}

func auditPayload(entry models.QueueEntry, details map[string]interface{}) json.RawMessage {
	payload := map[string]interface{}{
		"entry_id":      entry.ID,
		"serial_number": entry.SerialNumber,
		"patient_id":    entry.PatientID,
		"queue_type":    entry.QueueType,
		"status":        entry.Status,
		"priority":      entry.Priority,
		"position":      entry.Position,
		"called_time":   entry.CalledTime,
		"start_time":    entry.StartTime,
	}
	for key, value := range details {
		payload[key] = value
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
