package audit

import (
	"context"
	"errors"

	"clinicq/queue-service/internal/models"

	"github.com/rs/zerolog"
)

type Sink interface {
	Record(ctx context.Context, events ...models.AuditEvent) error
}

// LogSink writes events to the structured log only.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s LogSink) Record(ctx context.Context, events ...models.AuditEvent) error {
	for _, event := range events {
		s.logger.Info().
			Str("audit_id", event.ID).
			Str("type", event.Type).
			Str("doctor_id", event.DoctorID).
			Str("entry_id", event.EntryID).
			Str("from", event.FromStatus).
			Str("to", event.ToStatus).
			Str("request_id", event.RequestID).
			Time("at", event.CreatedAt).
			Msg("audit")
	}
	return nil
}

type multiSink []Sink

// Multi records into every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Record(ctx context.Context, events ...models.AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
