package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	entryColumns = `e.id, e.serial_number, e.doctor_id, e.patient_id, e.appointment_id, e.queue_type, e.status,
		e.priority, e.position, e.estimated_wait_time, e.queue_date, e.check_in_time, e.scheduled_time,
		e.called_time, e.start_time, e.completed_time, e.version`

	doctorColumns = `id, code, name, availability_status, is_available, current_patient_id, current_queue_entry_id,
		auto_call_next, no_show_timeout, average_consultation_time, today_served, today_no_shows, total_served,
		stats_date, consecutive_no_shows, updated_at, version`

	serialConstraint = "queue_entries_serial_number_key"
	codeConstraint   = "doctors_code_key"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries e WHERE e.id = $1`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListWaiting(ctx context.Context, doctorID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries e
		WHERE e.doctor_id = $1 AND e.status = $2
		ORDER BY e.position ASC, e.check_in_time ASC
	`, doctorID, models.StatusWaiting)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) ListNoShowCandidates(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries e
		JOIN doctors d ON d.id = e.doctor_id
		WHERE e.status = $1
		  AND e.start_time IS NULL
		  AND e.called_time IS NOT NULL
		  AND e.called_time + make_interval(mins => d.no_show_timeout) <= $2
		ORDER BY e.called_time ASC
		LIMIT $3
	`, models.StatusInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, doctorID)
	doctor, err := scanDoctor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}
	return doctor, nil
}

func (s *Store) CreateDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	doctor.Version = 1
	if doctor.UpdatedAt.IsZero() {
		doctor.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO doctors (`+doctorColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO NOTHING
	`, doctorArgs(doctor)...)
	if err != nil {
		return models.Doctor{}, translate(err)
	}
	if tag.RowsAffected() == 0 {
		return models.Doctor{}, store.ErrDoctorExists
	}
	return doctor, nil
}

func (s *Store) FindAction(ctx context.Context, requestID string) (store.ActionRecord, bool, error) {
	var record store.ActionRecord
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, action, doctor_id, entry_id, created_at
		FROM queue_action_requests
		WHERE request_id = $1
	`, requestID)
	if err := row.Scan(&record.RequestID, &record.Action, &record.DoctorID, &record.EntryID, &record.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ActionRecord{}, false, nil
		}
		return store.ActionRecord{}, false, err
	}
	return record, true, nil
}

// NextSerial is a single upsert, so concurrent callers for the same key are
// serialized on the counter row and never observe the same value.
func (s *Store) NextSerial(ctx context.Context, doctorID string, day time.Time) (int64, error) {
	var serial int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO queue_counters (doctor_id, queue_date, next_serial)
		VALUES ($1, $2, 2)
		ON CONFLICT (doctor_id, queue_date)
		DO UPDATE SET next_serial = queue_counters.next_serial + 1
		RETURNING next_serial - 1
	`, doctorID, models.QueueDay(day)).Scan(&serial)
	if err != nil {
		return 0, fmt.Errorf("next serial: %w", err)
	}
	return serial, nil
}

// Commit applies the mutation in one transaction. Every row update is
// conditioned on the version the caller read; an update that touches no row
// means someone else committed first.
func (s *Store) Commit(ctx context.Context, m store.Mutation) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if m.Action != nil {
		if err = insertActionRequest(ctx, tx, *m.Action); err != nil {
			return translate(err)
		}
	}
	if m.Doctor != nil {
		if err = updateDoctor(ctx, tx, *m.Doctor); err != nil {
			return translate(err)
		}
	}
	for _, write := range m.Entries {
		if err = updateEntry(ctx, tx, write); err != nil {
			return translate(err)
		}
	}
	if m.Insert != nil {
		if err = insertEntry(ctx, tx, *m.Insert); err != nil {
			return translate(err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return translate(err)
	}
	return nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, record store.ActionRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_action_requests (request_id, action, doctor_id, entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`, record.RequestID, record.Action, record.DoctorID, record.EntryID, createdAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func updateDoctor(ctx context.Context, tx pgx.Tx, write store.DoctorWrite) error {
	d := write.Doctor
	tag, err := tx.Exec(ctx, `
		UPDATE doctors SET
			code = $3, name = $4, availability_status = $5, is_available = $6,
			current_patient_id = $7, current_queue_entry_id = $8, auto_call_next = $9,
			no_show_timeout = $10, average_consultation_time = $11, today_served = $12,
			today_no_shows = $13, total_served = $14, stats_date = $15,
			consecutive_no_shows = $16, updated_at = $17, version = version + 1
		WHERE id = $1 AND version = $2
	`, d.ID, write.ExpectedVersion, d.Code, d.Name, d.AvailabilityStatus, d.IsAvailable,
		d.CurrentPatientID, d.CurrentQueueEntryID, d.AutoCallNext, d.NoShowTimeout,
		d.AverageConsultationTime, d.TodayServed, d.TodayNoShows, d.TotalServed,
		d.StatsDate, d.ConsecutiveNoShows, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, "doctors", d.ID, store.ErrDoctorNotFound)
	}
	return nil
}

func updateEntry(ctx context.Context, tx pgx.Tx, write store.EntryWrite) error {
	e := write.Entry
	tag, err := tx.Exec(ctx, `
		UPDATE queue_entries SET
			status = $3, priority = $4, position = $5, estimated_wait_time = $6,
			scheduled_time = $7, called_time = $8, start_time = $9, completed_time = $10,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, e.ID, write.ExpectedVersion, e.Status, e.Priority, e.Position, e.EstimatedWaitTime,
		e.ScheduledTime, e.CalledTime, e.StartTime, e.CompletedTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, "queue_entries", e.ID, store.ErrEntryNotFound)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e models.QueueEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (
			id, serial_number, doctor_id, patient_id, appointment_id, queue_type, status,
			priority, position, estimated_wait_time, queue_date, check_in_time, scheduled_time,
			called_time, start_time, completed_time, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)
	`, e.ID, e.SerialNumber, e.DoctorID, e.PatientID, e.AppointmentID, e.QueueType, e.Status,
		e.Priority, e.Position, e.EstimatedWaitTime, models.QueueDay(e.QueueDate), e.CheckInTime,
		e.ScheduledTime, e.CalledTime, e.StartTime, e.CompletedTime)
	return err
}

// missingOrStale tells a row that vanished apart from one whose version moved.
func missingOrStale(ctx context.Context, tx pgx.Tx, table, id string, notFound error) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return store.ErrVersionConflict
}

// translate maps contention reported by Postgres onto the store's errors so
// the engine can retry it.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case serialConstraint:
			return store.ErrDuplicateSerial
		case codeConstraint:
			return store.ErrDoctorCodeTaken
		}
		return fmt.Errorf("%w: %s", store.ErrVersionConflict, pgErr.ConstraintName)
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrVersionConflict, pgErr.Message)
	}
	return err
}

func doctorArgs(d models.Doctor) []any {
	return []any{
		d.ID, d.Code, d.Name, d.AvailabilityStatus, d.IsAvailable, d.CurrentPatientID,
		d.CurrentQueueEntryID, d.AutoCallNext, d.NoShowTimeout, d.AverageConsultationTime,
		d.TodayServed, d.TodayNoShows, d.TotalServed, d.StatsDate, d.ConsecutiveNoShows,
		d.UpdatedAt, d.Version,
	}
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var appointmentID sql.NullString
	var scheduled, called, started, completed sql.NullTime
	err := row.Scan(
		&entry.ID, &entry.SerialNumber, &entry.DoctorID, &entry.PatientID, &appointmentID,
		&entry.QueueType, &entry.Status, &entry.Priority, &entry.Position, &entry.EstimatedWaitTime,
		&entry.QueueDate, &entry.CheckInTime, &scheduled, &called, &started, &completed, &entry.Version,
	)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.AppointmentID = nullStringPtr(appointmentID)
	entry.ScheduledTime = nullTimePtr(scheduled)
	entry.CalledTime = nullTimePtr(called)
	entry.StartTime = nullTimePtr(started)
	entry.CompletedTime = nullTimePtr(completed)
	return entry, nil
}

func collectEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()
	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanDoctor(row rowScanner) (models.Doctor, error) {
	var doctor models.Doctor
	var patientID, entryID sql.NullString
	var statsDate sql.NullTime
	err := row.Scan(
		&doctor.ID, &doctor.Code, &doctor.Name, &doctor.AvailabilityStatus, &doctor.IsAvailable,
		&patientID, &entryID, &doctor.AutoCallNext, &doctor.NoShowTimeout, &doctor.AverageConsultationTime,
		&doctor.TodayServed, &doctor.TodayNoShows, &doctor.TotalServed, &statsDate,
		&doctor.ConsecutiveNoShows, &doctor.UpdatedAt, &doctor.Version,
	)
	if err != nil {
		return models.Doctor{}, err
	}
	doctor.CurrentPatientID = nullStringPtr(patientID)
	doctor.CurrentQueueEntryID = nullStringPtr(entryID)
	doctor.StatsDate = nullTimePtr(statsDate)
	return doctor, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
