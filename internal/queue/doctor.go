package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"clinicq/queue-service/internal/availability"
	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/google/uuid"
)

type RegisterDoctorInput struct {
	ID                      string
	Code                    string
	Name                    string
	AutoCallNext            bool
	NoShowTimeout           int
	AverageConsultationTime int
}

type DoctorActionInput struct {
	RequestID string
	DoctorID  string
	Action    string
}

type DoctorSettingsInput struct {
	DoctorID                string
	AutoCallNext            *bool
	NoShowTimeout           *int
	AverageConsultationTime *int
}

// RegisterDoctor creates the availability record of a doctor. New doctors
// start OFF_DUTY.
func (e *Engine) RegisterDoctor(ctx context.Context, input RegisterDoctorInput) (models.Doctor, error) {
	if input.NoShowTimeout < 0 || input.AverageConsultationTime < 0 {
		return models.Doctor{}, fmt.Errorf("%w: durations must not be negative", ErrInvalidInput)
	}
	doctor := models.Doctor{
		ID:                      input.ID,
		Code:                    strings.ToUpper(strings.TrimSpace(input.Code)),
		Name:                    input.Name,
		AvailabilityStatus:      models.DoctorOffDuty,
		AutoCallNext:            input.AutoCallNext,
		NoShowTimeout:           input.NoShowTimeout,
		AverageConsultationTime: input.AverageConsultationTime,
		UpdatedAt:               e.now(),
	}
	if doctor.ID == "" {
		doctor.ID = uuid.NewString()
	}
	if doctor.Code == "" {
		doctor.Code = codeFromID(doctor.ID)
	}
	if !validCode(doctor.Code) {
		return models.Doctor{}, fmt.Errorf("%w: code must contain only letters and digits", ErrInvalidInput)
	}
	if doctor.NoShowTimeout == 0 {
		doctor.NoShowTimeout = models.DefaultNoShowTimeout
	}
	if doctor.AverageConsultationTime == 0 {
		doctor.AverageConsultationTime = models.DefaultAverageConsultationTime
	}
	created, err := e.store.CreateDoctor(ctx, doctor)
	if err != nil {
		if errors.Is(err, store.ErrDoctorExists) {
			return models.Doctor{}, fmt.Errorf("%w: doctor %s", ErrAlreadyExists, doctor.ID)
		}
		if errors.Is(err, store.ErrDoctorCodeTaken) {
			return models.Doctor{}, fmt.Errorf("%w: doctor code %s", ErrAlreadyExists, doctor.Code)
		}
		return models.Doctor{}, err
	}
	e.logger.Info().Str("doctor_id", created.ID).Str("code", created.Code).Msg("doctor registered")
	return created, nil
}

// ChangeDoctorStatus applies a manual availability action: start_shift,
// break, resume or end_shift.
func (e *Engine) ChangeDoctorStatus(ctx context.Context, input DoctorActionInput) (doctor models.Doctor, err error) {
	ctx, span := e.startSpan(ctx, "queue.ChangeDoctorStatus", input.DoctorID)
	defer func() { endSpan(span, err) }()

	type result struct {
		doctor     models.Doctor
		fromStatus string
		replayed   bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, "doctor-status", func() (result, error) {
		_, found, err := e.findAction(ctx, input.RequestID, actionDoctorStatus)
		if err != nil {
			return result{}, err
		}
		current, err := e.getDoctor(ctx, input.DoctorID)
		if err != nil {
			return result{}, err
		}
		if found {
			return result{doctor: current, replayed: true}, nil
		}
		now := e.now()
		updated, err := availability.Apply(current, input.Action, now)
		if err != nil {
			return result{}, err
		}
		write := store.DoctorWrite{Doctor: updated, ExpectedVersion: current.Version}
		err = e.store.Commit(ctx, store.Mutation{
			Doctor: &write,
			Action: actionRecord(input.RequestID, actionDoctorStatus, current.ID, "", now),
		})
		if err != nil {
			return result{}, err
		}
		return result{doctor: write.Committed(), fromStatus: current.AvailabilityStatus}, nil
	})
	if err != nil {
		return models.Doctor{}, err
	}
	if res.replayed {
		return res.doctor, nil
	}

	e.record(ctx, doctorAudit(res.doctor, res.fromStatus, input.RequestID, e.now()))
	e.publish(ctx, models.EventDoctorStatus, res.doctor.ID, nil, &res.doctor)
	e.logger.Info().Str("doctor_id", res.doctor.ID).Str("from", res.fromStatus).Str("to", res.doctor.AvailabilityStatus).Msg("doctor status changed")
	return res.doctor, nil
}

// UpdateDoctorSettings changes the queue settings of a doctor. A new
// average consultation time re-estimates every waiting entry.
func (e *Engine) UpdateDoctorSettings(ctx context.Context, input DoctorSettingsInput) (doctor models.Doctor, err error) {
	ctx, span := e.startSpan(ctx, "queue.UpdateDoctorSettings", input.DoctorID)
	defer func() { endSpan(span, err) }()

	if input.NoShowTimeout != nil && *input.NoShowTimeout <= 0 {
		return models.Doctor{}, fmt.Errorf("%w: no_show_timeout must be positive", ErrInvalidInput)
	}
	if input.AverageConsultationTime != nil && *input.AverageConsultationTime <= 0 {
		return models.Doctor{}, fmt.Errorf("%w: average_consultation_time must be positive", ErrInvalidInput)
	}

	type result struct {
		doctor  models.Doctor
		shifted []models.QueueEntry
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, "doctor-settings", func() (result, error) {
		current, err := e.getDoctor(ctx, input.DoctorID)
		if err != nil {
			return result{}, err
		}
		now := e.now()
		updated := current
		updated.UpdatedAt = now
		if input.AutoCallNext != nil {
			updated.AutoCallNext = *input.AutoCallNext
		}
		if input.NoShowTimeout != nil {
			updated.NoShowTimeout = *input.NoShowTimeout
		}
		var writes []store.EntryWrite
		if input.AverageConsultationTime != nil && *input.AverageConsultationTime != current.AverageConsultationTime {
			updated.AverageConsultationTime = *input.AverageConsultationTime
			waiting, err := e.store.ListWaiting(ctx, current.ID)
			if err != nil {
				return result{}, err
			}
			_, writes = layout(waiting, updated.AverageConsultationTime, "")
		}
		write := store.DoctorWrite{Doctor: updated, ExpectedVersion: current.Version}
		if err := e.store.Commit(ctx, store.Mutation{Doctor: &write, Entries: writes}); err != nil {
			return result{}, err
		}
		return result{doctor: write.Committed(), shifted: committed(writes)}, nil
	})
	if err != nil {
		return models.Doctor{}, err
	}
	e.publishPositions(ctx, res.doctor.ID, res.shifted)
	return res.doctor, nil
}
