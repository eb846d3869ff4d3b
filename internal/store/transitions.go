package store

import "clinicq/queue-service/internal/models"

var entryTransitions = map[string][]string{
	"call_next": {models.StatusWaiting},
	"start":     {models.StatusInProgress},
	"complete":  {models.StatusInProgress},
	"no_show":   {models.StatusInProgress},
	"cancel":    {models.StatusWaiting},
	"reorder":   {models.StatusWaiting},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := entryTransitions[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

type doctorTransition struct {
	from []string
	to   string
}

var doctorTransitions = map[string]doctorTransition{
	"start_shift": {from: []string{models.DoctorOffDuty}, to: models.DoctorAvailable},
	"call_next":   {from: []string{models.DoctorAvailable}, to: models.DoctorBusy},
	"release":     {from: []string{models.DoctorBusy}, to: models.DoctorAvailable},
	"break":       {from: []string{models.DoctorAvailable, models.DoctorBusy}, to: models.DoctorBreak},
	"resume":      {from: []string{models.DoctorBreak}, to: models.DoctorAvailable},
	"end_shift":   {from: []string{models.DoctorAvailable, models.DoctorBusy, models.DoctorBreak}, to: models.DoctorOffDuty},
}

// DoctorTransition returns the status a doctor in fromStatus moves to when
// action is applied, and false when the action is not allowed.
func DoctorTransition(action, fromStatus string) (string, bool) {
	transition, ok := doctorTransitions[action]
	if !ok {
		return "", false
	}
	for _, status := range transition.from {
		if status == fromStatus {
			return transition.to, true
		}
	}
	return "", false
}
