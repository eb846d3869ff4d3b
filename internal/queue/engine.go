// Package queue orders a doctor's waiting patients and drives every change
// to the queue: check-in, call-next, consultation outcome, cancellation and
// manual reordering.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicq/queue-service/internal/availability"
	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	actionCheckIn      = "check_in"
	actionCallNext     = "call_next"
	actionStart        = "start"
	actionComplete     = "complete"
	actionNoShow       = "no_show"
	actionCancel       = "cancel"
	actionReorder      = "reorder"
	actionMove         = "move"
	actionDoctorStatus = "doctor_status"
)

// Broadcaster delivers queue events to realtime subscribers. Publish must
// not block and has no error result: delivery is best effort.
type Broadcaster interface {
	Publish(ctx context.Context, doctorID string, event models.QueueEvent)
}

type AuditSink interface {
	Record(ctx context.Context, events ...models.AuditEvent) error
}

type Options struct {
	Logger      zerolog.Logger
	Broadcaster Broadcaster
	Audit       AuditSink
	Retry       RetryPolicy
	// AutoCallChainLimit stops auto call-next after this many consecutive
	// no-shows. Zero disables the limit.
	AutoCallChainLimit int
	Clock              func() time.Time
}

type Engine struct {
	store       store.Store
	allocator   *Allocator
	broadcaster Broadcaster
	audit       AuditSink
	retry       RetryPolicy
	chainLimit  int
	now         func() time.Time
	logger      zerolog.Logger
	tracer      trace.Tracer
}

func NewEngine(st store.Store, opts Options) *Engine {
	retry := opts.Retry.withDefaults()
	e := &Engine{
		store:       st,
		allocator:   NewAllocator(st, retry, opts.Logger),
		broadcaster: opts.Broadcaster,
		audit:       opts.Audit,
		retry:       retry,
		chainLimit:  opts.AutoCallChainLimit,
		now:         opts.Clock,
		logger:      opts.Logger.With().Str("component", "queue").Logger(),
		tracer:      otel.Tracer("clinicq/queue"),
	}
	if e.broadcaster == nil {
		e.broadcaster = nopBroadcaster{}
	}
	if e.audit == nil {
		e.audit = nopAudit{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.chainLimit < 0 {
		e.chainLimit = 0
	}
	return e
}

type CheckInInput struct {
	RequestID     string
	DoctorID      string
	PatientID     string
	Priority      *int
	AppointmentID string
	ScheduledTime *time.Time
}

type CallNextInput struct {
	RequestID string
	DoctorID  string
}

type EntryActionInput struct {
	RequestID string
	EntryID   string
}

// ReorderInput and MoveInput carry the version of EntryID the caller saw.
// When set, a concurrent change to the entry fails the request with
// ErrConflict instead of being applied on top of the newer state.
type ReorderInput struct {
	RequestID       string
	DoctorID        string
	EntryID         string
	OtherEntryID    string
	ExpectedVersion int64
}

type MoveInput struct {
	RequestID       string
	DoctorID        string
	EntryID         string
	Position        int
	ExpectedVersion int64
}

// CheckIn adds a walk-in patient, or an arriving appointment when
// AppointmentID is set, to the doctor's queue. The bool result is false when
// RequestID replays an earlier check-in.
func (e *Engine) CheckIn(ctx context.Context, input CheckInInput) (entry models.QueueEntry, created bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.CheckIn", input.DoctorID)
	defer func() { endSpan(span, err) }()

	if input.PatientID == "" {
		return models.QueueEntry{}, false, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if existing, found, err := e.replayEntry(ctx, input.RequestID, actionCheckIn); err != nil || found {
		return existing, false, err
	}
	doctor, err := e.getDoctor(ctx, input.DoctorID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	now := e.now()
	serial, err := e.allocator.Allocate(ctx, doctor, now)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	pending := models.QueueEntry{
		ID:           uuid.NewString(),
		SerialNumber: serial,
		DoctorID:     doctor.ID,
		PatientID:    input.PatientID,
		QueueType:    models.QueueTypeWalkIn,
		Status:       models.StatusWaiting,
		Priority:     models.PriorityNormal,
		QueueDate:    models.QueueDay(now),
		CheckInTime:  now,
	}
	if input.Priority != nil {
		pending.Priority = *input.Priority
	}
	auditType := models.AuditEntryAdded
	if input.AppointmentID != "" {
		appointmentID := input.AppointmentID
		pending.AppointmentID = &appointmentID
		pending.QueueType = models.QueueTypeOnlineBooking
		pending.ScheduledTime = input.ScheduledTime
		auditType = models.AuditCheckIn
	}

	type result struct {
		entry    models.QueueEntry
		shifted  []models.QueueEntry
		replayed bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, "check-in", func() (result, error) {
		if existing, found, err := e.replayEntry(ctx, input.RequestID, actionCheckIn); err != nil || found {
			return result{entry: existing, replayed: found}, err
		}
		doctor, err := e.getDoctor(ctx, input.DoctorID)
		if err != nil {
			return result{}, err
		}
		waiting, err := e.store.ListWaiting(ctx, doctor.ID)
		if err != nil {
			return result{}, err
		}
		order := insertAt(waiting, insertIndex(waiting, pending), pending)
		laidOut, writes := layout(order, doctor.AverageConsultationTime, pending.ID)
		inserted := laidOut[indexOf(laidOut, pending.ID)]
		doctorWrite := touch(doctor, now)
		err = e.store.Commit(ctx, store.Mutation{
			Doctor:  &doctorWrite,
			Insert:  &inserted,
			Entries: writes,
			Action:  actionRecord(input.RequestID, actionCheckIn, doctor.ID, inserted.ID, now),
		})
		if err != nil {
			return result{}, err
		}
		inserted.Version = 1
		return result{entry: inserted, shifted: committed(writes)}, nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Warn().Err(err).Str("doctor_id", input.DoctorID).Str("serial", serial).Msg("check-in aborted after serial allocation")
		}
		if errors.Is(err, store.ErrDuplicateSerial) {
			err = fmt.Errorf("%w: serial %s already issued", ErrAllocation, serial)
		}
		return models.QueueEntry{}, false, err
	}
	if res.replayed {
		return res.entry, false, nil
	}

	e.record(ctx, entryAudit(auditType, res.entry, "", input.RequestID, now))
	e.publish(ctx, models.EventEntryAdded, res.entry.DoctorID, &res.entry, nil)
	e.publishPositions(ctx, res.entry.DoctorID, res.shifted)
	return res.entry, true, nil
}

// CallNext moves the head of the doctor's queue to IN_PROGRESS and binds it
// to the doctor. Retrying with the same RequestID returns the entry called
// the first time.
func (e *Engine) CallNext(ctx context.Context, input CallNextInput) (entry models.QueueEntry, called bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.CallNext", input.DoctorID)
	defer func() { endSpan(span, err) }()
	return e.callNext(ctx, input.RequestID, input.DoctorID, false)
}

func (e *Engine) callNext(ctx context.Context, requestID, doctorID string, auto bool) (models.QueueEntry, bool, error) {
	type result struct {
		entry      models.QueueEntry
		doctor     models.Doctor
		fromStatus string
		shifted    []models.QueueEntry
		replayed   bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, "call-next", func() (result, error) {
		if existing, found, err := e.replayEntry(ctx, requestID, actionCallNext); err != nil || found {
			return result{entry: existing, replayed: found}, err
		}
		doctor, err := e.getDoctor(ctx, doctorID)
		if err != nil {
			return result{}, err
		}
		if err := availability.CanCallNext(doctor); err != nil {
			return result{}, err
		}
		waiting, err := e.store.ListWaiting(ctx, doctorID)
		if err != nil {
			return result{}, err
		}
		if len(waiting) == 0 {
			return result{}, ErrQueueEmpty
		}
		head := waiting[0]
		if !store.ValidTransition(actionCallNext, head.Status) {
			return result{}, invalidEntryTransition(actionCallNext, head.Status)
		}

		now := e.now()
		calledEntry := head
		calledEntry.Status = models.StatusInProgress
		calledEntry.CalledTime = &now
		calledEntry.Position = 0
		calledEntry.EstimatedWaitTime = 0
		bound, err := availability.Bind(doctor, calledEntry, auto, now)
		if err != nil {
			return result{}, err
		}
		_, shifted := layout(waiting[1:], doctor.AverageConsultationTime, "")
		writes := append([]store.EntryWrite{{Entry: calledEntry, ExpectedVersion: head.Version}}, shifted...)
		doctorWrite := store.DoctorWrite{Doctor: bound, ExpectedVersion: doctor.Version}
		err = e.store.Commit(ctx, store.Mutation{
			Doctor:  &doctorWrite,
			Entries: writes,
			Action:  actionRecord(requestID, actionCallNext, doctorID, calledEntry.ID, now),
		})
		if err != nil {
			return result{}, err
		}
		return result{
			entry:      writes[0].Committed(),
			doctor:     doctorWrite.Committed(),
			fromStatus: doctor.AvailabilityStatus,
			shifted:    committed(shifted),
		}, nil
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if res.replayed {
		return res.entry, false, nil
	}

	now := e.now()
	e.record(ctx,
		entryAudit(models.AuditCalledNext, res.entry, models.StatusWaiting, requestID, now),
		doctorAudit(res.doctor, res.fromStatus, requestID, now),
	)
	e.publish(ctx, models.EventEntryRemoved, doctorID, &res.entry, nil)
	e.publishPositions(ctx, doctorID, res.shifted)
	e.publish(ctx, models.EventDoctorStatus, doctorID, nil, &res.doctor)
	e.logger.Info().Str("doctor_id", doctorID).Str("entry_id", res.entry.ID).Str("serial", res.entry.SerialNumber).Bool("auto", auto).Msg("called next patient")
	return res.entry, true, nil
}

// StartConsultation marks the called patient as present. The no-show clock
// no longer applies to the entry afterwards.
func (e *Engine) StartConsultation(ctx context.Context, input EntryActionInput) (entry models.QueueEntry, changed bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.StartConsultation", "")
	defer func() { endSpan(span, err) }()

	type result struct {
		entry   models.QueueEntry
		changed bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, "start", func() (result, error) {
		if existing, found, err := e.replayEntry(ctx, input.RequestID, actionStart); err != nil || found {
			return result{entry: existing}, err
		}
		current, err := e.getEntry(ctx, input.EntryID)
		if err != nil {
			return result{}, err
		}
		if !store.ValidTransition(actionStart, current.Status) {
			return result{}, invalidEntryTransition(actionStart, current.Status)
		}
		if current.StartTime != nil {
			return result{entry: current}, nil
		}
		doctor, err := e.getDoctor(ctx, current.DoctorID)
		if err != nil {
			return result{}, err
		}

		now := e.now()
		started := current
		started.StartTime = &now
		write := store.EntryWrite{Entry: started, ExpectedVersion: current.Version}
		m := store.Mutation{
			Entries: []store.EntryWrite{write},
			Action:  actionRecord(input.RequestID, actionStart, current.DoctorID, current.ID, now),
		}
		if availability.IsBoundTo(doctor, current.ID) && doctor.ConsecutiveNoShows > 0 {
			m.Doctor = &store.DoctorWrite{Doctor: availability.ResetChain(doctor, now), ExpectedVersion: doctor.Version}
		}
		if err := e.store.Commit(ctx, m); err != nil {
			return result{}, err
		}
		return result{entry: write.Committed(), changed: true}, nil
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if res.changed {
		e.record(ctx, entryAudit(models.AuditEntryStatusChanged, res.entry, models.StatusInProgress, input.RequestID, e.now()))
	}
	return res.entry, res.changed, nil
}

// Complete finishes the consultation of an IN_PROGRESS entry.
func (e *Engine) Complete(ctx context.Context, input EntryActionInput) (entry models.QueueEntry, changed bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.Complete", "")
	defer func() { endSpan(span, err) }()
	return e.finish(ctx, input.RequestID, input.EntryID, actionComplete, nil)
}

// MarkNoShow records that a called patient did not show up. It is rejected
// once the consultation has started.
func (e *Engine) MarkNoShow(ctx context.Context, input EntryActionInput) (entry models.QueueEntry, changed bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.MarkNoShow", "")
	defer func() { endSpan(span, err) }()
	return e.finish(ctx, input.RequestID, input.EntryID, actionNoShow, func(entry models.QueueEntry, _ models.Doctor, _ time.Time) error {
		if entry.StartTime != nil {
			return invalidEntryTransition(actionNoShow, "started consultation")
		}
		return nil
	})
}

var errNotEligible = errors.New("entry no longer eligible")

// ExpireCall marks entryID NO_SHOW if it is still IN_PROGRESS, was called
// longer ago than the doctor's no-show timeout and has not started. Calling
// it again, or on an entry that moved on, does nothing and returns false.
func (e *Engine) ExpireCall(ctx context.Context, entryID string) (expired bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.ExpireCall", "")
	defer func() { endSpan(span, err) }()

	current, err := e.getEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	if current.Status != models.StatusInProgress {
		return false, nil
	}
	_, changed, err := e.finish(ctx, "", entryID, actionNoShow, func(entry models.QueueEntry, doctor models.Doctor, now time.Time) error {
		if entry.StartTime != nil || entry.CalledTime == nil {
			return errNotEligible
		}
		timeout := time.Duration(doctor.NoShowTimeout) * time.Minute
		if now.Sub(*entry.CalledTime) < timeout {
			return errNotEligible
		}
		return nil
	})
	if errors.Is(err, errNotEligible) || errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	return changed, err
}

type eligibility func(entry models.QueueEntry, doctor models.Doctor, now time.Time) error

func (e *Engine) finish(ctx context.Context, requestID, entryID, action string, check eligibility) (models.QueueEntry, bool, error) {
	type result struct {
		entry      models.QueueEntry
		doctor     models.Doctor
		fromStatus string
		released   bool
		replayed   bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, action, func() (result, error) {
		if existing, found, err := e.replayEntry(ctx, requestID, action); err != nil || found {
			return result{entry: existing, replayed: found}, err
		}
		current, err := e.getEntry(ctx, entryID)
		if err != nil {
			return result{}, err
		}
		if !store.ValidTransition(action, current.Status) {
			return result{}, invalidEntryTransition(action, current.Status)
		}
		doctor, err := e.getDoctor(ctx, current.DoctorID)
		if err != nil {
			return result{}, err
		}
		now := e.now()
		if check != nil {
			if err := check(current, doctor, now); err != nil {
				return result{}, err
			}
		}

		done := current
		if action == actionComplete {
			done.Status = models.StatusCompleted
			done.CompletedTime = &now
		} else {
			done.Status = models.StatusNoShow
		}
		released, wasReleased, err := availability.Release(doctor, done, now)
		if err != nil {
			return result{}, err
		}
		entryWrite := store.EntryWrite{Entry: done, ExpectedVersion: current.Version}
		doctorWrite := store.DoctorWrite{Doctor: released, ExpectedVersion: doctor.Version}
		err = e.store.Commit(ctx, store.Mutation{
			Doctor:  &doctorWrite,
			Entries: []store.EntryWrite{entryWrite},
			Action:  actionRecord(requestID, action, current.DoctorID, current.ID, now),
		})
		if err != nil {
			return result{}, err
		}
		return result{
			entry:      entryWrite.Committed(),
			doctor:     doctorWrite.Committed(),
			fromStatus: doctor.AvailabilityStatus,
			released:   wasReleased,
		}, nil
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if res.replayed {
		return res.entry, false, nil
	}

	now := e.now()
	events := []models.AuditEvent{entryAudit(models.AuditEntryStatusChanged, res.entry, models.StatusInProgress, requestID, now)}
	if res.released {
		events = append(events, doctorAudit(res.doctor, res.fromStatus, requestID, now))
	}
	e.record(ctx, events...)
	e.publish(ctx, models.EventEntryRemoved, res.entry.DoctorID, &res.entry, nil)
	if res.released {
		e.publish(ctx, models.EventDoctorStatus, res.doctor.ID, nil, &res.doctor)
		e.autoCallNext(ctx, res.doctor)
	}
	return res.entry, true, nil
}

// autoCallNext runs call-next as a separate step after a release. Its
// failure does not undo the release.
func (e *Engine) autoCallNext(ctx context.Context, doctor models.Doctor) {
	if !doctor.AutoCallNext || doctor.AvailabilityStatus != models.DoctorAvailable {
		return
	}
	if e.chainLimit > 0 && doctor.ConsecutiveNoShows >= e.chainLimit {
		e.logger.Info().Str("doctor_id", doctor.ID).Int("consecutive_no_shows", doctor.ConsecutiveNoShows).Msg("auto call-next paused")
		return
	}
	_, _, err := e.callNext(ctx, "", doctor.ID, true)
	if err != nil && !errors.Is(err, ErrQueueEmpty) {
		e.logger.Warn().Err(err).Str("doctor_id", doctor.ID).Msg("auto call-next failed")
	}
}

// Cancel removes a WAITING entry from the queue.
func (e *Engine) Cancel(ctx context.Context, input EntryActionInput) (entry models.QueueEntry, changed bool, err error) {
	ctx, span := e.startSpan(ctx, "queue.Cancel", "")
	defer func() { endSpan(span, err) }()

	type result struct {
		entry    models.QueueEntry
		shifted  []models.QueueEntry
		replayed bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, "cancel", func() (result, error) {
		if existing, found, err := e.replayEntry(ctx, input.RequestID, actionCancel); err != nil || found {
			return result{entry: existing, replayed: found}, err
		}
		current, err := e.getEntry(ctx, input.EntryID)
		if err != nil {
			return result{}, err
		}
		if !store.ValidTransition(actionCancel, current.Status) {
			return result{}, invalidEntryTransition(actionCancel, current.Status)
		}
		doctor, err := e.getDoctor(ctx, current.DoctorID)
		if err != nil {
			return result{}, err
		}
		waiting, err := e.store.ListWaiting(ctx, current.DoctorID)
		if err != nil {
			return result{}, err
		}
		index := indexOf(waiting, current.ID)
		if index < 0 {
			return result{}, store.ErrVersionConflict
		}

		now := e.now()
		cancelled := waiting[index]
		cancelled.Status = models.StatusCancelled
		cancelled.Position = 0
		cancelled.EstimatedWaitTime = 0
		_, shifted := layout(removeAt(waiting, index), doctor.AverageConsultationTime, "")
		writes := append([]store.EntryWrite{{Entry: cancelled, ExpectedVersion: waiting[index].Version}}, shifted...)
		doctorWrite := touch(doctor, now)
		err = e.store.Commit(ctx, store.Mutation{
			Doctor:  &doctorWrite,
			Entries: writes,
			Action:  actionRecord(input.RequestID, actionCancel, current.DoctorID, current.ID, now),
		})
		if err != nil {
			return result{}, err
		}
		return result{entry: writes[0].Committed(), shifted: committed(shifted)}, nil
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if res.replayed {
		return res.entry, false, nil
	}

	e.record(ctx, entryAudit(models.AuditEntryRemoved, res.entry, models.StatusWaiting, input.RequestID, e.now()))
	e.publish(ctx, models.EventEntryRemoved, res.entry.DoctorID, &res.entry, nil)
	e.publishPositions(ctx, res.entry.DoctorID, res.shifted)
	return res.entry, true, nil
}

// Reorder swaps the positions of two WAITING entries of the same doctor and
// returns the resulting waiting list.
func (e *Engine) Reorder(ctx context.Context, input ReorderInput) (waiting []models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, "queue.Reorder", input.DoctorID)
	defer func() { endSpan(span, err) }()

	if input.EntryID == input.OtherEntryID {
		return nil, fmt.Errorf("%w: cannot swap an entry with itself", ErrInvalidInput)
	}
	target := rearrangeTarget{requestID: input.RequestID, action: actionReorder, doctorID: input.DoctorID, entryID: input.EntryID, expectedVersion: input.ExpectedVersion}
	return e.rearrange(ctx, target, func(order []models.QueueEntry, from int) ([]models.QueueEntry, error) {
		other, err := e.waitingIndex(ctx, order, input.OtherEntryID)
		if err != nil {
			return nil, err
		}
		swapped := append([]models.QueueEntry(nil), order...)
		swapped[from], swapped[other] = swapped[other], swapped[from]
		return swapped, nil
	}, map[string]interface{}{"other_entry_id": input.OtherEntryID})
}

// Move places a WAITING entry at position, shifting the entries in between.
func (e *Engine) Move(ctx context.Context, input MoveInput) (waiting []models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, "queue.Move", input.DoctorID)
	defer func() { endSpan(span, err) }()

	target := rearrangeTarget{requestID: input.RequestID, action: actionMove, doctorID: input.DoctorID, entryID: input.EntryID, expectedVersion: input.ExpectedVersion}
	return e.rearrange(ctx, target, func(order []models.QueueEntry, from int) ([]models.QueueEntry, error) {
		if input.Position < 1 || input.Position > len(order) {
			return nil, fmt.Errorf("%w: position %d outside 1..%d", ErrInvalidInput, input.Position, len(order))
		}
		return moveTo(order, from, input.Position-1), nil
	}, map[string]interface{}{"position": input.Position})
}

type rearrangeFunc func(order []models.QueueEntry, from int) ([]models.QueueEntry, error)

type rearrangeTarget struct {
	requestID       string
	action          string
	doctorID        string
	entryID         string
	expectedVersion int64
}

func (e *Engine) rearrange(ctx context.Context, target rearrangeTarget, fn rearrangeFunc, details map[string]interface{}) ([]models.QueueEntry, error) {
	requestID, action, doctorID, entryID := target.requestID, target.action, target.doctorID, target.entryID
	type result struct {
		waiting  []models.QueueEntry
		moved    []models.QueueEntry
		replayed bool
	}
	res, err := retryConflicts(ctx, e.retry, e.logger, action, func() (result, error) {
		record, found, err := e.findAction(ctx, requestID, action)
		if err != nil {
			return result{}, err
		}
		if found {
			waiting, err := e.store.ListWaiting(ctx, record.DoctorID)
			return result{waiting: waiting, replayed: true}, err
		}
		doctor, err := e.getDoctor(ctx, doctorID)
		if err != nil {
			return result{}, err
		}
		waiting, err := e.store.ListWaiting(ctx, doctorID)
		if err != nil {
			return result{}, err
		}
		from, err := e.waitingIndex(ctx, waiting, entryID)
		if err != nil {
			return result{}, err
		}
		if target.expectedVersion > 0 && waiting[from].Version != target.expectedVersion {
			return result{}, fmt.Errorf("%w: entry %s is at version %d, request expected %d", ErrConflict, entryID, waiting[from].Version, target.expectedVersion)
		}
		order, err := fn(waiting, from)
		if err != nil {
			return result{}, err
		}
		laidOut, writes := layout(order, doctor.AverageConsultationTime, "")
		if len(writes) == 0 {
			return result{waiting: laidOut}, nil
		}
		now := e.now()
		doctorWrite := touch(doctor, now)
		err = e.store.Commit(ctx, store.Mutation{
			Doctor:  &doctorWrite,
			Entries: writes,
			Action:  actionRecord(requestID, action, doctorID, entryID, now),
		})
		if err != nil {
			return result{}, err
		}
		moved := committed(writes)
		for _, entry := range moved {
			laidOut[entry.Position-1] = entry
		}
		return result{waiting: laidOut, moved: moved}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.replayed || len(res.moved) == 0 {
		return res.waiting, nil
	}

	now := e.now()
	for _, entry := range res.moved {
		if entry.ID != entryID {
			continue
		}
		event := entryAudit(models.AuditEntryReordered, entry, models.StatusWaiting, requestID, now)
		event.Payload = auditPayload(entry, details)
		e.record(ctx, event)
	}
	e.publishPositions(ctx, doctorID, res.moved)
	return res.waiting, nil
}

// waitingIndex locates entryID in the waiting list, explaining why it is
// missing when it is not there.
func (e *Engine) waitingIndex(ctx context.Context, waiting []models.QueueEntry, entryID string) (int, error) {
	if index := indexOf(waiting, entryID); index >= 0 {
		return index, nil
	}
	entry, err := e.getEntry(ctx, entryID)
	if err != nil {
		return -1, err
	}
	if entry.Status == models.StatusWaiting {
		return -1, fmt.Errorf("%w: entry %s is queued for another doctor", ErrInvalidInput, entryID)
	}
	return -1, invalidEntryTransition(actionReorder, entry.Status)
}

func (e *Engine) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return e.getEntry(ctx, entryID)
}

// Snapshot returns the doctor, the ordered waiting list and the entry the
// doctor is currently seeing.
func (e *Engine) Snapshot(ctx context.Context, doctorID string) (models.QueueSnapshot, error) {
	doctor, err := e.getDoctor(ctx, doctorID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	waiting, err := e.store.ListWaiting(ctx, doctorID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	if waiting == nil {
		waiting = []models.QueueEntry{}
	}
	snapshot := models.QueueSnapshot{Doctor: availability.RollStats(doctor, e.now()), Waiting: waiting}
	if doctor.CurrentQueueEntryID != nil {
		current, err := e.getEntry(ctx, *doctor.CurrentQueueEntryID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return models.QueueSnapshot{}, err
		}
		if err == nil {
			snapshot.InProgress = &current
		}
	}
	return snapshot, nil
}

func (e *Engine) getEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	entry, err := e.store.GetEntry(ctx, entryID)
	if errors.Is(err, store.ErrEntryNotFound) {
		return models.QueueEntry{}, fmt.Errorf("%w: queue entry %s", ErrNotFound, entryID)
	}
	return entry, err
}

func (e *Engine) getDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	doctor, err := e.store.GetDoctor(ctx, doctorID)
	if errors.Is(err, store.ErrDoctorNotFound) {
		return models.Doctor{}, fmt.Errorf("%w: doctor %s", ErrNotFound, doctorID)
	}
	return doctor, err
}

func (e *Engine) findAction(ctx context.Context, requestID, action string) (store.ActionRecord, bool, error) {
	if requestID == "" {
		return store.ActionRecord{}, false, nil
	}
	record, found, err := e.store.FindAction(ctx, requestID)
	if err != nil || !found {
		return store.ActionRecord{}, false, err
	}
	if record.Action != action {
		return store.ActionRecord{}, false, fmt.Errorf("%w: %s", ErrRequestReused, record.Action)
	}
	return record, true, nil
}

func (e *Engine) replayEntry(ctx context.Context, requestID, action string) (models.QueueEntry, bool, error) {
	record, found, err := e.findAction(ctx, requestID, action)
	if err != nil || !found {
		return models.QueueEntry{}, false, err
	}
	entry, err := e.getEntry(ctx, record.EntryID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func actionRecord(requestID, action, doctorID, entryID string, now time.Time) *store.ActionRecord {
	if requestID == "" {
		return nil
	}
	return &store.ActionRecord{RequestID: requestID, Action: action, DoctorID: doctorID, EntryID: entryID, CreatedAt: now}
}

// touch turns the doctor row into the optimistic token for a queue change.
func touch(doctor models.Doctor, now time.Time) store.DoctorWrite {
	updated := doctor
	updated.UpdatedAt = now
	return store.DoctorWrite{Doctor: updated, ExpectedVersion: doctor.Version}
}

func (e *Engine) startSpan(ctx context.Context, name, doctorID string) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if doctorID != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("doctor.id", doctorID)))
	}
	return e.tracer.Start(ctx, name, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
