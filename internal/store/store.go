package store

import (
	"context"
	"time"

	"clinicq/queue-service/internal/models"
)

// EntryWrite replaces an existing entry, provided its stored version still
// equals ExpectedVersion.
type EntryWrite struct {
	Entry           models.QueueEntry
	ExpectedVersion int64
}

// Committed returns the entry as stored after a successful commit.
func (w EntryWrite) Committed() models.QueueEntry {
	entry := w.Entry
	entry.Version = w.ExpectedVersion + 1
	return entry
}

type DoctorWrite struct {
	Doctor          models.Doctor
	ExpectedVersion int64
}

func (w DoctorWrite) Committed() models.Doctor {
	doctor := w.Doctor
	doctor.Version = w.ExpectedVersion + 1
	return doctor
}

// ActionRecord remembers which entry a client request acted on, so that a
// retried request returns the original outcome instead of acting twice.
type ActionRecord struct {
	RequestID string
	Action    string
	DoctorID  string
	EntryID   string
	CreatedAt time.Time
}

// Mutation is applied all-or-nothing. Any version mismatch, or an Action
// whose request id is already recorded, fails the whole commit with
// ErrVersionConflict.
type Mutation struct {
	Doctor  *DoctorWrite
	Insert  *models.QueueEntry
	Entries []EntryWrite
	Action  *ActionRecord
}

type QueueStore interface {
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	ListWaiting(ctx context.Context, doctorID string) ([]models.QueueEntry, error)
	ListNoShowCandidates(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	CreateDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error)
	FindAction(ctx context.Context, requestID string) (ActionRecord, bool, error)
	Commit(ctx context.Context, m Mutation) error
}

type CounterStore interface {
	// NextSerial increments the (doctor, day) counter and returns the value
	// it held before the increment. The counter row is created on first use.
	NextSerial(ctx context.Context, doctorID string, day time.Time) (int64, error)
}

type Store interface {
	QueueStore
	CounterStore
}
