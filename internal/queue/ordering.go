package queue

import (
	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

// insertIndex returns the 0-based slot for entry in the waiting list: after
// every entry with a lower priority value, or the same priority and an
// earlier or equal check-in time. Normally that is the tail.
func insertIndex(waiting []models.QueueEntry, entry models.QueueEntry) int {
	for i, current := range waiting {
		if precedes(entry, current) {
			return i
		}
	}
	return len(waiting)
}

func precedes(a, b models.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CheckInTime.Before(b.CheckInTime)
}

func insertAt(waiting []models.QueueEntry, index int, entry models.QueueEntry) []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(waiting)+1)
	out = append(out, waiting[:index]...)
	out = append(out, entry)
	return append(out, waiting[index:]...)
}

func removeAt(waiting []models.QueueEntry, index int) []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(waiting))
	out = append(out, waiting[:index]...)
	return append(out, waiting[index+1:]...)
}

func moveTo(waiting []models.QueueEntry, from, to int) []models.QueueEntry {
	entry := waiting[from]
	return insertAt(removeAt(waiting, from), to, entry)
}

func indexOf(waiting []models.QueueEntry, entryID string) int {
	for i, entry := range waiting {
		if entry.ID == entryID {
			return i
		}
	}
	return -1
}

func estimatedWait(position, averageConsultation int) int {
	if position <= 1 {
		return 0
	}
	return (position - 1) * averageConsultation
}

// layout numbers order 1..N and recomputes wait estimates. It returns the
// laid out list and a conditional write for every existing entry whose
// position or estimate changed. skipID names a not yet stored entry that
// must not be written.
func layout(order []models.QueueEntry, averageConsultation int, skipID string) ([]models.QueueEntry, []store.EntryWrite) {
	laidOut := make([]models.QueueEntry, len(order))
	var writes []store.EntryWrite
	for i, entry := range order {
		updated := entry
		updated.Position = i + 1
		updated.EstimatedWaitTime = estimatedWait(updated.Position, averageConsultation)
		laidOut[i] = updated
		if entry.ID == skipID {
			continue
		}
		if updated.Position != entry.Position || updated.EstimatedWaitTime != entry.EstimatedWaitTime {
			writes = append(writes, store.EntryWrite{Entry: updated, ExpectedVersion: entry.Version})
		}
	}
	return laidOut, writes
}

func committed(writes []store.EntryWrite) []models.QueueEntry {
	entries := make([]models.QueueEntry, 0, len(writes))
	for _, write := range writes {
		entries = append(entries, write.Committed())
	}
	return entries
}
