package models

import "time"

type QueueEntry struct {
	ID                string     `json:"id"`
	SerialNumber      string     `json:"serial_number"`
	DoctorID          string     `json:"doctor_id"`
	PatientID         string     `json:"patient_id"`
	AppointmentID     *string    `json:"appointment_id,omitempty"`
	QueueType         string     `json:"queue_type"`
	Status            string     `json:"status"`
	Priority          int        `json:"priority"`
	Position          int        `json:"position"`
	EstimatedWaitTime int        `json:"estimated_wait_time"`
	QueueDate         time.Time  `json:"queue_date"`
	CheckInTime       time.Time  `json:"check_in_time"`
	ScheduledTime     *time.Time `json:"scheduled_time,omitempty"`
	CalledTime        *time.Time `json:"called_time,omitempty"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	CompletedTime     *time.Time `json:"completed_time,omitempty"`
	Version           int64      `json:"version"`
}

const (
	StatusWaiting    = "WAITING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
	StatusNoShow     = "NO_SHOW"
)

const (
	QueueTypeWalkIn        = "WALK_IN"
	QueueTypeOnlineBooking = "ONLINE_BOOKING"
)

// PriorityNormal is the default priority. Lower values are served first.
const PriorityNormal = 5

// Terminal reports whether the entry can no longer change.
func (e QueueEntry) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type QueueCounter struct {
	DoctorID   string    `json:"doctor_id"`
	QueueDate  time.Time `json:"queue_date"`
	NextSerial int64     `json:"next_serial"`
}

// QueueDay truncates t to the calendar day it falls on, in UTC.
func QueueDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
