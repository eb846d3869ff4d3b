// Package memory keeps the queue in process memory. It backs the
// single-instance development mode and the engine tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

type counterKey struct {
	doctorID string
	day      string
}

type Store struct {
	mu       sync.Mutex
	entries  map[string]models.QueueEntry
	doctors  map[string]models.Doctor
	counters map[counterKey]int64
	actions  map[string]store.ActionRecord
	serials  map[string]string
}

func NewStore() *Store {
	return &Store{
		entries:  make(map[string]models.QueueEntry),
		doctors:  make(map[string]models.Doctor),
		counters: make(map[counterKey]int64),
		actions:  make(map[string]store.ActionRecord),
		serials:  make(map[string]string),
	}
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) ListWaiting(ctx context.Context, doctorID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waiting []models.QueueEntry
	for _, entry := range s.entries {
		if entry.DoctorID == doctorID && entry.Status == models.StatusWaiting {
			waiting = append(waiting, cloneEntry(entry))
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].Position < waiting[j].Position
	})
	return waiting, nil
}

func (s *Store) ListNoShowCandidates(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []models.QueueEntry
	for _, entry := range s.entries {
		if entry.Status != models.StatusInProgress || entry.CalledTime == nil || entry.StartTime != nil {
			continue
		}
		doctor, ok := s.doctors[entry.DoctorID]
		if !ok {
			continue
		}
		timeout := time.Duration(doctor.NoShowTimeout) * time.Minute
		if entry.CalledTime.Add(timeout).After(now) {
			continue
		}
		candidates = append(candidates, cloneEntry(entry))
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CalledTime.Before(*candidates[j].CalledTime)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[doctorID]
	if !ok {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	return cloneDoctor(doctor), nil
}

func (s *Store) CreateDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doctors[doctor.ID]; ok {
		return models.Doctor{}, store.ErrDoctorExists
	}
	if doctor.Code != "" {
		for _, other := range s.doctors {
			if other.Code == doctor.Code {
				return models.Doctor{}, store.ErrDoctorCodeTaken
			}
		}
	}
	doctor.Version = 1
	s.doctors[doctor.ID] = cloneDoctor(doctor)
	return doctor, nil
}

func (s *Store) FindAction(ctx context.Context, requestID string) (store.ActionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.actions[requestID]
	return record, ok, nil
}

func (s *Store) NextSerial(ctx context.Context, doctorID string, day time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{doctorID: doctorID, day: day.Format("2006-01-02")}
	next, ok := s.counters[key]
	if !ok {
		next = 1
	}
	s.counters[key] = next + 1
	return next, nil
}

func (s *Store) Commit(ctx context.Context, m store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Action != nil {
		if _, ok := s.actions[m.Action.RequestID]; ok {
			return store.ErrVersionConflict
		}
	}
	if m.Doctor != nil {
		current, ok := s.doctors[m.Doctor.Doctor.ID]
		if !ok {
			return store.ErrDoctorNotFound
		}
		if current.Version != m.Doctor.ExpectedVersion {
			return store.ErrVersionConflict
		}
	}
	for _, write := range m.Entries {
		current, ok := s.entries[write.Entry.ID]
		if !ok {
			return store.ErrEntryNotFound
		}
		if current.Version != write.ExpectedVersion {
			return store.ErrVersionConflict
		}
	}
	if m.Insert != nil {
		if _, ok := s.entries[m.Insert.ID]; ok {
			return fmt.Errorf("insert entry %s: already exists", m.Insert.ID)
		}
		if _, ok := s.serials[m.Insert.SerialNumber]; ok {
			return store.ErrDuplicateSerial
		}
	}

	if m.Doctor != nil {
		s.doctors[m.Doctor.Doctor.ID] = cloneDoctor(m.Doctor.Committed())
	}
	for _, write := range m.Entries {
		s.entries[write.Entry.ID] = cloneEntry(write.Committed())
	}
	if m.Insert != nil {
		entry := cloneEntry(*m.Insert)
		entry.Version = 1
		s.entries[entry.ID] = entry
		s.serials[entry.SerialNumber] = entry.ID
	}
	if m.Action != nil {
		s.actions[m.Action.RequestID] = *m.Action
	}
	return nil
}

// ListEntries returns every entry of a doctor, terminal ones included,
// ordered by check-in time.
func (s *Store) ListEntries(doctorID string) []models.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.QueueEntry
	for _, entry := range s.entries {
		if entry.DoctorID == doctorID {
			entries = append(entries, cloneEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CheckInTime.Before(entries[j].CheckInTime)
	})
	return entries
}

func cloneEntry(entry models.QueueEntry) models.QueueEntry {
	entry.AppointmentID = cloneString(entry.AppointmentID)
	entry.ScheduledTime = cloneTime(entry.ScheduledTime)
	entry.CalledTime = cloneTime(entry.CalledTime)
	entry.StartTime = cloneTime(entry.StartTime)
	entry.CompletedTime = cloneTime(entry.CompletedTime)
	return entry
}

func cloneDoctor(doctor models.Doctor) models.Doctor {
	doctor.CurrentPatientID = cloneString(doctor.CurrentPatientID)
	doctor.CurrentQueueEntryID = cloneString(doctor.CurrentQueueEntryID)
	doctor.StatsDate = cloneTime(doctor.StatsDate)
	return doctor
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
