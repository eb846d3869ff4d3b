// Package availability owns the doctor status machine and the binding of a
// doctor to the patient currently being seen. No other package sets
// CurrentPatientID or CurrentQueueEntryID.
package availability

import (
	"errors"
	"fmt"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

var ErrInvalidTransition = errors.New("invalid transition")

type TransitionError struct {
	Subject string
	Action  string
	From    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", e.Subject, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

const (
	ActionStartShift = "start_shift"
	ActionBreak      = "break"
	ActionResume     = "resume"
	ActionEndShift   = "end_shift"

	actionCallNext = "call_next"
	actionRelease  = "release"
)

// Apply runs one of the manual status actions. Leaving BUSY through a break
// or the end of a shift clears the binding; the bound entry stays
// IN_PROGRESS.
func Apply(doctor models.Doctor, action string, now time.Time) (models.Doctor, error) {
	switch action {
	case ActionStartShift, ActionBreak, ActionResume, ActionEndShift:
	default:
		return doctor, &TransitionError{Subject: "doctor", Action: action, From: doctor.AvailabilityStatus}
	}
	next, ok := store.DoctorTransition(action, doctor.AvailabilityStatus)
	if !ok {
		return doctor, &TransitionError{Subject: "doctor", Action: action, From: doctor.AvailabilityStatus}
	}
	if doctor.AvailabilityStatus == models.DoctorBusy {
		doctor.CurrentPatientID = nil
		doctor.CurrentQueueEntryID = nil
	}
	return setStatus(doctor, next, now), nil
}

// CanCallNext reports whether call-next is allowed in the doctor's status.
func CanCallNext(doctor models.Doctor) error {
	if _, ok := store.DoctorTransition(actionCallNext, doctor.AvailabilityStatus); !ok {
		return &TransitionError{Subject: "doctor", Action: actionCallNext, From: doctor.AvailabilityStatus}
	}
	return nil
}

// Bind moves an AVAILABLE doctor to BUSY with entry as the current patient.
// A manual call resets the auto-chain counter.
func Bind(doctor models.Doctor, entry models.QueueEntry, auto bool, now time.Time) (models.Doctor, error) {
	if err := CanCallNext(doctor); err != nil {
		return doctor, err
	}
	patientID := entry.PatientID
	entryID := entry.ID
	doctor.CurrentPatientID = &patientID
	doctor.CurrentQueueEntryID = &entryID
	if !auto {
		doctor.ConsecutiveNoShows = 0
	}
	return setStatus(doctor, models.DoctorBusy, now), nil
}

// Release records the outcome of entry, which must be COMPLETED or NO_SHOW.
// A doctor bound to entry goes back to AVAILABLE; a doctor that already left
// BUSY keeps its status. Daily counters roll over when the day changes.
// The second result reports whether the binding was released.
func Release(doctor models.Doctor, entry models.QueueEntry, now time.Time) (models.Doctor, bool, error) {
	if entry.Status != models.StatusCompleted && entry.Status != models.StatusNoShow {
		return doctor, false, &TransitionError{Subject: "doctor", Action: actionRelease, From: entry.Status}
	}
	doctor = RollStats(doctor, now)
	if entry.Status == models.StatusCompleted {
		doctor.TodayServed++
		doctor.TotalServed++
		doctor.ConsecutiveNoShows = 0
	} else {
		doctor.TodayNoShows++
		doctor.ConsecutiveNoShows++
	}
	doctor.UpdatedAt = now

	if !IsBoundTo(doctor, entry.ID) {
		return doctor, false, nil
	}
	next, ok := store.DoctorTransition(actionRelease, doctor.AvailabilityStatus)
	if !ok {
		return doctor, false, &TransitionError{Subject: "doctor", Action: actionRelease, From: doctor.AvailabilityStatus}
	}
	doctor.CurrentPatientID = nil
	doctor.CurrentQueueEntryID = nil
	return setStatus(doctor, next, now), true, nil
}

// ResetChain clears the auto-chain counter once the called patient shows up.
func ResetChain(doctor models.Doctor, now time.Time) models.Doctor {
	doctor.ConsecutiveNoShows = 0
	doctor.UpdatedAt = now
	return doctor
}

func IsBoundTo(doctor models.Doctor, entryID string) bool {
	return doctor.AvailabilityStatus == models.DoctorBusy &&
		doctor.CurrentQueueEntryID != nil &&
		*doctor.CurrentQueueEntryID == entryID
}

func setStatus(doctor models.Doctor, status string, now time.Time) models.Doctor {
	doctor = RollStats(doctor, now)
	doctor.AvailabilityStatus = status
	doctor.IsAvailable = status == models.DoctorAvailable
	doctor.UpdatedAt = now
	return doctor
}

// RollStats zeroes the daily counters when now falls on a later day than
// StatsDate.
func RollStats(doctor models.Doctor, now time.Time) models.Doctor {
	today := models.QueueDay(now)
	if doctor.StatsDate != nil && doctor.StatsDate.Equal(today) {
		return doctor
	}
	doctor.TodayServed = 0
	doctor.TodayNoShows = 0
	doctor.StatsDate = &today
	return doctor
}
