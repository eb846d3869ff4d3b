package audit

import (
	"context"
	"errors"
	"fmt"

	"clinicq/queue-service/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends events to audit_events, chaining each doctor's events
// by sequence number and hash.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Record(ctx context.Context, events ...models.AuditEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, event := range events {
		if err = appendEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("append audit event %s: %w", event.Type, err)
		}
	}
	return tx.Commit(ctx)
}

func appendEvent(ctx context.Context, tx pgx.Tx, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.DoctorID); err != nil {
		return err
	}

	var last *Record
	var seq int
	var hash string
	err := tx.QueryRow(ctx, `
		SELECT doctor_seq, hash
		FROM audit_events
		WHERE doctor_id = $1
		ORDER BY doctor_seq DESC
		LIMIT 1
	`, event.DoctorID).Scan(&seq, &hash)
	switch {
	case err == nil:
		last = &Record{Seq: seq, Hash: hash}
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	record := Link(last, event)
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (
			id, doctor_id, doctor_seq, type, entry_id, from_status, to_status, request_id,
			payload, created_at, prev_hash, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, record.ID, record.DoctorID, record.Seq, record.Type, nullIfEmpty(record.EntryID),
		nullIfEmpty(record.FromStatus), nullIfEmpty(record.ToStatus), nullIfEmpty(record.RequestID),
		[]byte(record.Payload), record.CreatedAt, record.PrevHash, record.Hash)
	return err
}

// ListDoctorEvents returns a doctor's chain in sequence order.
func (s *PostgresSink) ListDoctorEvents(ctx context.Context, doctorID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doctor_id, doctor_seq, type, COALESCE(entry_id, ''), COALESCE(from_status, ''),
		       COALESCE(to_status, ''), COALESCE(request_id, ''), payload, created_at, prev_hash, hash
		FROM audit_events
		WHERE doctor_id = $1
		ORDER BY doctor_seq ASC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var payload []byte
		if err := rows.Scan(&record.ID, &record.DoctorID, &record.Seq, &record.Type, &record.EntryID,
			&record.FromStatus, &record.ToStatus, &record.RequestID, &payload, &record.CreatedAt,
			&record.PrevHash, &record.Hash); err != nil {
			return nil, err
		}
		record.Payload = payload
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresSink) VerifyDoctor(ctx context.Context, doctorID string) error {
	records, err := s.ListDoctorEvents(ctx, doctorID)
	if err != nil {
		return err
	}
	return Verify(records)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
