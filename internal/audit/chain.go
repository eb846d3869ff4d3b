// Package audit persists queue audit events as a per-doctor hash chain.
package audit

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"clinicq/queue-service/internal/models"
)

var ErrBrokenChain = errors.New("audit chain broken")

// Record is an audit event with its place in the doctor's chain.
type Record struct {
	models.AuditEvent
	Seq      int    `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// ComputeHash links an event to its predecessor. Timestamps are hashed at
// microsecond precision, which is what Postgres keeps.
func ComputeHash(prevHash string, event models.AuditEvent, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%d|%s|%s",
		prevHash, event.DoctorID, event.Type, event.EntryID, event.FromStatus, event.ToStatus,
		event.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano), seq, event.RequestID, event.Payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// Link appends event to a chain whose last record is prev (nil for the first).
func Link(prev *Record, event models.AuditEvent) Record {
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)
	seq, prevHash := 1, ""
	if prev != nil {
		seq, prevHash = prev.Seq+1, prev.Hash
	}
	return Record{AuditEvent: event, Seq: seq, PrevHash: prevHash, Hash: ComputeHash(prevHash, event, seq)}
}

// Verify checks that records, ordered by Seq, form an unbroken chain.
func Verify(records []Record) error {
	prevHash := ""
	for i, record := range records {
		if record.Seq != i+1 {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrBrokenChain, i+1, record.Seq)
		}
		if record.PrevHash != prevHash {
			return fmt.Errorf("%w: seq %d does not follow its predecessor", ErrBrokenChain, record.Seq)
		}
		if ComputeHash(record.PrevHash, record.AuditEvent, record.Seq) != record.Hash {
			return fmt.Errorf("%w: seq %d was modified", ErrBrokenChain, record.Seq)
		}
		prevHash = record.Hash
	}
	return nil
}
