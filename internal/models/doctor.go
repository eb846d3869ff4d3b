package models

import "time"

type Doctor struct {
	ID                      string     `json:"id"`
	Code                    string     `json:"code"`
	Name                    string     `json:"name,omitempty"`
	AvailabilityStatus      string     `json:"availability_status"`
	IsAvailable             bool       `json:"is_available"`
	CurrentPatientID        *string    `json:"current_patient_id,omitempty"`
	CurrentQueueEntryID     *string    `json:"current_queue_entry_id,omitempty"`
	AutoCallNext            bool       `json:"auto_call_next"`
	NoShowTimeout           int        `json:"no_show_timeout"`
	AverageConsultationTime int        `json:"average_consultation_time"`
	TodayServed             int        `json:"today_served"`
	TodayNoShows            int        `json:"today_no_shows"`
	TotalServed             int        `json:"total_served"`
	StatsDate               *time.Time `json:"stats_date,omitempty"`
	ConsecutiveNoShows      int        `json:"consecutive_no_shows"`
	UpdatedAt               time.Time  `json:"updated_at"`
	Version                 int64      `json:"version"`
}

const (
	DoctorAvailable = "AVAILABLE"
	DoctorBusy      = "BUSY"
	DoctorBreak     = "BREAK"
	DoctorOffDuty   = "OFF_DUTY"
)

const (
	DefaultNoShowTimeout           = 15
	DefaultAverageConsultationTime = 15
)
