package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
	"clinicq/queue-service/internal/store/memory"

	"github.com/rs/zerolog"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.QueueEvent
}

func (b *recordingBroadcaster) Publish(ctx context.Context, doctorID string, event models.QueueEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, event := range b.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type recordingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *recordingAudit) Record(ctx context.Context, events ...models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}

func (a *recordingAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, event := range a.events {
		out = append(out, event.Type)
	}
	return out
}

type harness struct {
	engine *Engine
	store  *memory.Store
	clock  *testClock
	events *recordingBroadcaster
	audit  *recordingAudit
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewStore(),
		clock:  newTestClock(),
		events: &recordingBroadcaster{},
		audit:  &recordingAudit{},
	}
	opts.Logger = zerolog.Nop()
	opts.Broadcaster = h.events
	opts.Audit = h.audit
	opts.Clock = h.clock.Now
	if opts.Retry.InitialInterval == 0 {
		opts.Retry.InitialInterval = time.Millisecond
	}
	h.engine = NewEngine(h.store, opts)
	return h
}

func (h *harness) doctor(t *testing.T, input RegisterDoctorInput, status string) models.Doctor {
	t.Helper()
	ctx := context.Background()
	doctor, err := h.engine.RegisterDoctor(ctx, input)
	if err != nil {
		t.Fatalf("register doctor: %v", err)
	}
	if status == models.DoctorOffDuty {
		return doctor
	}
	doctor, err = h.engine.ChangeDoctorStatus(ctx, DoctorActionInput{DoctorID: doctor.ID, Action: "start_shift"})
	if err != nil {
		t.Fatalf("start shift: %v", err)
	}
	if status == models.DoctorBreak {
		doctor, err = h.engine.ChangeDoctorStatus(ctx, DoctorActionInput{DoctorID: doctor.ID, Action: "break"})
		if err != nil {
			t.Fatalf("break: %v", err)
		}
	}
	return doctor
}

func (h *harness) checkIn(t *testing.T, doctorID, patientID string) models.QueueEntry {
	t.Helper()
	entry, created, err := h.engine.CheckIn(context.Background(), CheckInInput{DoctorID: doctorID, PatientID: patientID})
	if err != nil {
		t.Fatalf("check in %s: %v", patientID, err)
	}
	if !created {
		t.Fatalf("check in %s: expected new entry", patientID)
	}
	return entry
}

func (h *harness) waiting(t *testing.T, doctorID string) []models.QueueEntry {
	t.Helper()
	waiting, err := h.store.ListWaiting(context.Background(), doctorID)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	assertDense(t, waiting)
	return waiting
}

func assertDense(t *testing.T, waiting []models.QueueEntry) {
	t.Helper()
	for i, entry := range waiting {
		if entry.Position != i+1 {
			t.Fatalf("expected dense positions, entry %s at %d, want %d", entry.ID, entry.Position, i+1)
		}
	}
}

func patients(waiting []models.QueueEntry) []string {
	out := make([]string, 0, len(waiting))
	for _, entry := range waiting {
		out = append(out, entry.PatientID)
	}
	return out
}

func assertOrder(t *testing.T, waiting []models.QueueEntry, want ...string) {
	t.Helper()
	got := patients(waiting)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("waiting order=%v, want %v", got, want)
	}
}

func TestCheckInAssignsDensePositionsAndSerials(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", Code: "card", AverageConsultationTime: 10}, models.DoctorAvailable)

	for i := 1; i <= 3; i++ {
		entry := h.checkIn(t, doctor.ID, fmt.Sprintf("p%d", i))
		wantSerial := fmt.Sprintf("CARD-260302-%03d", i)
		if entry.SerialNumber != wantSerial {
			t.Fatalf("serial=%s, want %s", entry.SerialNumber, wantSerial)
		}
		if entry.Position != i {
			t.Fatalf("position=%d, want %d", entry.Position, i)
		}
		if entry.EstimatedWaitTime != (i-1)*10 {
			t.Fatalf("estimated wait=%d, want %d", entry.EstimatedWaitTime, (i-1)*10)
		}
		if entry.QueueType != models.QueueTypeWalkIn || entry.Priority != models.PriorityNormal {
			t.Fatalf("unexpected defaults %+v", entry)
		}
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p1", "p2", "p3")
	if got := h.events.count(models.EventEntryAdded); got != 3 {
		t.Fatalf("expected 3 added events, got %d", got)
	}
}

func TestCheckInHigherPriorityGoesAhead(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AverageConsultationTime: 15}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")

	urgent := 1
	entry, _, err := h.engine.CheckIn(context.Background(), CheckInInput{DoctorID: doctor.ID, PatientID: "urgent", Priority: &urgent})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if entry.Position != 1 || entry.EstimatedWaitTime != 0 {
		t.Fatalf("expected urgent entry at head, got position %d", entry.Position)
	}
	waiting := h.waiting(t, doctor.ID)
	assertOrder(t, waiting, "urgent", "p1", "p2")
	if waiting[2].EstimatedWaitTime != 30 {
		t.Fatalf("expected tail estimate 30, got %d", waiting[2].EstimatedWaitTime)
	}
	if got := h.events.count(models.EventPositionChanged); got != 2 {
		t.Fatalf("expected 2 position events, got %d", got)
	}
}

func TestCheckInAppointmentArrival(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	scheduled := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	entry, _, err := h.engine.CheckIn(context.Background(), CheckInInput{
		DoctorID:      doctor.ID,
		PatientID:     "p1",
		AppointmentID: "appt-1",
		ScheduledTime: &scheduled,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if entry.QueueType != models.QueueTypeOnlineBooking || entry.AppointmentID == nil || *entry.AppointmentID != "appt-1" {
		t.Fatalf("expected online booking entry, got %+v", entry)
	}
	if types := h.audit.types(); len(types) == 0 || types[len(types)-1] != models.AuditCheckIn {
		t.Fatalf("expected check-in audit event, got %v", types)
	}
}

func TestCheckInReplaysRequestID(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	ctx := context.Background()
	input := CheckInInput{RequestID: "req-1", DoctorID: doctor.ID, PatientID: "p1"}

	first, created, err := h.engine.CheckIn(ctx, input)
	if err != nil || !created {
		t.Fatalf("first check in: created=%v err=%v", created, err)
	}
	second, created, err := h.engine.CheckIn(ctx, input)
	if err != nil {
		t.Fatalf("second check in: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected replay of %s, got %s created=%v", first.ID, second.ID, created)
	}
	if len(h.waiting(t, doctor.ID)) != 1 {
		t.Fatalf("expected a single entry")
	}
}

func TestCheckInUnknownDoctor(t *testing.T) {
	h := newHarness(t, Options{})
	_, _, err := h.engine.CheckIn(context.Background(), CheckInInput{DoctorID: "missing", PatientID: "p1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentWalkInsGetDistinctSerialsAndFIFOPositions(t *testing.T) {
	h := newHarness(t, Options{Retry: RetryPolicy{MaxAttempts: 50}})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", Code: "GP"}, models.DoctorAvailable)

	const n = 12
	var wg sync.WaitGroup
	results := make(chan models.QueueEntry, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, _, err := h.engine.CheckIn(context.Background(), CheckInInput{DoctorID: doctor.ID, PatientID: fmt.Sprintf("p%d", i)})
			if err != nil {
				errs <- err
				return
			}
			results <- entry
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent check in: %v", err)
	}

	serials := map[string]bool{}
	for entry := range results {
		if serials[entry.SerialNumber] {
			t.Fatalf("duplicate serial %s", entry.SerialNumber)
		}
		serials[entry.SerialNumber] = true
	}
	if len(serials) != n {
		t.Fatalf("expected %d serials, got %d", n, len(serials))
	}

	waiting := h.waiting(t, doctor.ID)
	if len(waiting) != n {
		t.Fatalf("expected %d waiting, got %d", n, len(waiting))
	}
	ordered := sort.SliceIsSorted(waiting, func(i, j int) bool {
		return waiting[i].CheckInTime.Before(waiting[j].CheckInTime)
	})
	if !ordered {
		t.Fatalf("waiting list is not ordered by check-in time")
	}
}

func TestCallNextPromotesHeadAndBindsDoctor(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AverageConsultationTime: 12}, models.DoctorAvailable)
	first := h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	h.checkIn(t, doctor.ID, "p3")

	entry, called, err := h.engine.CallNext(context.Background(), CallNextInput{DoctorID: doctor.ID})
	if err != nil || !called {
		t.Fatalf("call next: called=%v err=%v", called, err)
	}
	if entry.ID != first.ID || entry.Status != models.StatusInProgress || entry.CalledTime == nil || entry.Position != 0 {
		t.Fatalf("unexpected called entry %+v", entry)
	}

	waiting := h.waiting(t, doctor.ID)
	assertOrder(t, waiting, "p2", "p3")
	if waiting[1].EstimatedWaitTime != 12 {
		t.Fatalf("expected estimate 12, got %d", waiting[1].EstimatedWaitTime)
	}

	busy, err := h.store.GetDoctor(context.Background(), doctor.ID)
	if err != nil {
		t.Fatalf("get doctor: %v", err)
	}
	if busy.AvailabilityStatus != models.DoctorBusy || busy.IsAvailable {
		t.Fatalf("expected busy doctor, got %s", busy.AvailabilityStatus)
	}
	if busy.CurrentQueueEntryID == nil || *busy.CurrentQueueEntryID != first.ID || *busy.CurrentPatientID != "p1" {
		t.Fatalf("expected doctor bound to %s", first.ID)
	}
	if h.events.count(models.EventDoctorStatus) == 0 {
		t.Fatalf("expected doctor status event")
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)

	_, _, err := h.engine.CallNext(context.Background(), CallNextInput{DoctorID: doctor.ID})
	if !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty queue, got %v", err)
	}
	current, _ := h.store.GetDoctor(context.Background(), doctor.ID)
	if current.AvailabilityStatus != models.DoctorAvailable {
		t.Fatalf("doctor should stay available, got %s", current.AvailabilityStatus)
	}
}

func TestCallNextRequiresAvailableDoctor(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorBreak)
	h.checkIn(t, doctor.ID, "p1")

	_, _, err := h.engine.CallNext(context.Background(), CallNextInput{DoctorID: doctor.ID})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var transition *TransitionError
	if !errors.As(err, &transition) || transition.From != models.DoctorBreak {
		t.Fatalf("expected transition error from BREAK, got %v", err)
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p1")
}

func TestCallNextRetryWithSameRequestIDCallsOnce(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	ctx := context.Background()

	first, called, err := h.engine.CallNext(ctx, CallNextInput{RequestID: "call-1", DoctorID: doctor.ID})
	if err != nil || !called {
		t.Fatalf("first call: called=%v err=%v", called, err)
	}
	again, called, err := h.engine.CallNext(ctx, CallNextInput{RequestID: "call-1", DoctorID: doctor.ID})
	if err != nil {
		t.Fatalf("retried call: %v", err)
	}
	if called || again.ID != first.ID {
		t.Fatalf("expected replay of %s, got %s called=%v", first.ID, again.ID, called)
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p2")

	_, _, err = h.engine.Cancel(ctx, EntryActionInput{RequestID: "call-1", EntryID: first.ID})
	if !errors.Is(err, ErrRequestReused) {
		t.Fatalf("expected reused request id error, got %v", err)
	}
}

func TestCompleteReleasesDoctorAndAutoCallsNext(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AutoCallNext: true}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	second := h.checkIn(t, doctor.ID, "p2")
	ctx := context.Background()

	first, _, err := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	done, changed, err := h.engine.Complete(ctx, EntryActionInput{EntryID: first.ID})
	if err != nil || !changed {
		t.Fatalf("complete: changed=%v err=%v", changed, err)
	}
	if done.Status != models.StatusCompleted || done.CompletedTime == nil {
		t.Fatalf("unexpected completed entry %+v", done)
	}

	current, _ := h.store.GetDoctor(ctx, doctor.ID)
	if current.AvailabilityStatus != models.DoctorBusy || *current.CurrentQueueEntryID != second.ID {
		t.Fatalf("expected auto call of %s, doctor %+v", second.ID, current)
	}
	if current.TodayServed != 1 || current.TotalServed != 1 {
		t.Fatalf("expected served counters, got %d/%d", current.TodayServed, current.TotalServed)
	}
	if len(h.waiting(t, doctor.ID)) != 0 {
		t.Fatalf("expected empty waiting list")
	}

	_, _, err = h.engine.Complete(ctx, EntryActionInput{EntryID: first.ID})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing a terminal entry should fail, got %v", err)
	}
}

func TestCompleteWithoutAutoCallLeavesDoctorAvailable(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	ctx := context.Background()

	first, _, _ := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	if _, _, err := h.engine.Complete(ctx, EntryActionInput{EntryID: first.ID}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	current, _ := h.store.GetDoctor(ctx, doctor.ID)
	if current.AvailabilityStatus != models.DoctorAvailable || current.CurrentQueueEntryID != nil {
		t.Fatalf("expected available unbound doctor, got %+v", current)
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p2")
}

func TestExpireCallMarksNoShowAndAutoCallsNext(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AutoCallNext: true, NoShowTimeout: 10}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	second := h.checkIn(t, doctor.ID, "p2")
	ctx := context.Background()

	first, _, err := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if expired, err := h.engine.ExpireCall(ctx, first.ID); err != nil || expired {
		t.Fatalf("entry must not expire before the timeout: expired=%v err=%v", expired, err)
	}

	h.clock.Advance(11 * time.Minute)
	expired, err := h.engine.ExpireCall(ctx, first.ID)
	if err != nil || !expired {
		t.Fatalf("expire: expired=%v err=%v", expired, err)
	}
	noShow, _ := h.store.GetEntry(ctx, first.ID)
	if noShow.Status != models.StatusNoShow {
		t.Fatalf("expected NO_SHOW, got %s", noShow.Status)
	}
	current, _ := h.store.GetDoctor(ctx, doctor.ID)
	if current.AvailabilityStatus != models.DoctorBusy || *current.CurrentQueueEntryID != second.ID {
		t.Fatalf("expected doctor busy with %s, got %+v", second.ID, current)
	}
	if current.TodayNoShows != 1 || current.ConsecutiveNoShows != 1 {
		t.Fatalf("unexpected counters %+v", current)
	}

	again, err := h.engine.ExpireCall(ctx, first.ID)
	if err != nil || again {
		t.Fatalf("second expire must be a no-op: expired=%v err=%v", again, err)
	}
}

func TestAutoCallChainStopsAtLimit(t *testing.T) {
	h := newHarness(t, Options{AutoCallChainLimit: 2})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AutoCallNext: true, NoShowTimeout: 5}, models.DoctorAvailable)
	for i := 1; i <= 4; i++ {
		h.checkIn(t, doctor.ID, fmt.Sprintf("p%d", i))
	}
	ctx := context.Background()
	entry, _, err := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	for i := 0; i < 2; i++ {
		h.clock.Advance(6 * time.Minute)
		if expired, err := h.engine.ExpireCall(ctx, entry.ID); err != nil || !expired {
			t.Fatalf("expire %d: expired=%v err=%v", i, expired, err)
		}
		current, _ := h.store.GetDoctor(ctx, doctor.ID)
		if current.CurrentQueueEntryID != nil {
			entry, _ = h.store.GetEntry(ctx, *current.CurrentQueueEntryID)
		}
	}

	current, _ := h.store.GetDoctor(ctx, doctor.ID)
	if current.AvailabilityStatus != models.DoctorAvailable {
		t.Fatalf("expected chain to pause with doctor available, got %s", current.AvailabilityStatus)
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p3", "p4")

	next, _, err := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	if err != nil {
		t.Fatalf("manual call next: %v", err)
	}
	current, _ = h.store.GetDoctor(ctx, doctor.ID)
	if current.ConsecutiveNoShows != 0 || *current.CurrentQueueEntryID != next.ID {
		t.Fatalf("manual call should reset the chain, got %+v", current)
	}
}

func TestStartedConsultationIsNotANoShow(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", NoShowTimeout: 5}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	ctx := context.Background()
	entry, _, _ := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})

	started, changed, err := h.engine.StartConsultation(ctx, EntryActionInput{EntryID: entry.ID})
	if err != nil || !changed || started.StartTime == nil {
		t.Fatalf("start: changed=%v err=%v", changed, err)
	}
	if _, changed, err := h.engine.StartConsultation(ctx, EntryActionInput{EntryID: entry.ID}); err != nil || changed {
		t.Fatalf("second start should be a no-op: changed=%v err=%v", changed, err)
	}

	h.clock.Advance(time.Hour)
	if expired, err := h.engine.ExpireCall(ctx, entry.ID); err != nil || expired {
		t.Fatalf("started entry must not expire: expired=%v err=%v", expired, err)
	}
	if _, _, err := h.engine.MarkNoShow(ctx, EntryActionInput{EntryID: entry.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected manual no-show to be rejected, got %v", err)
	}
}

func TestCancelShiftsLaterEntries(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	middle := h.checkIn(t, doctor.ID, "p2")
	h.checkIn(t, doctor.ID, "p3")
	ctx := context.Background()

	cancelled, changed, err := h.engine.Cancel(ctx, EntryActionInput{EntryID: middle.ID})
	if err != nil || !changed {
		t.Fatalf("cancel: changed=%v err=%v", changed, err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.Position != 0 {
		t.Fatalf("unexpected cancelled entry %+v", cancelled)
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p1", "p3")

	if _, _, err := h.engine.Cancel(ctx, EntryActionInput{EntryID: middle.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelling twice should fail, got %v", err)
	}
	if _, _, err := h.engine.Cancel(ctx, EntryActionInput{EntryID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReorderSwapsWaitingEntries(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AverageConsultationTime: 10}, models.DoctorAvailable)
	first := h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	third := h.checkIn(t, doctor.ID, "p3")
	ctx := context.Background()

	waiting, err := h.engine.Reorder(ctx, ReorderInput{DoctorID: doctor.ID, EntryID: first.ID, OtherEntryID: third.ID})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertOrder(t, waiting, "p3", "p2", "p1")
	stored := h.waiting(t, doctor.ID)
	assertOrder(t, stored, "p3", "p2", "p1")
	if stored[2].EstimatedWaitTime != 20 || stored[0].EstimatedWaitTime != 0 {
		t.Fatalf("estimates not recomputed: %+v", stored)
	}

	called, _, _ := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	_, err = h.engine.Reorder(ctx, ReorderInput{DoctorID: doctor.ID, EntryID: called.ID, OtherEntryID: first.ID})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reordering an IN_PROGRESS entry should fail, got %v", err)
	}
}

func TestMoveEntryToPosition(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	last := h.checkIn(t, doctor.ID, "p3")
	ctx := context.Background()

	waiting, err := h.engine.Move(ctx, MoveInput{DoctorID: doctor.ID, EntryID: last.ID, Position: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	assertOrder(t, waiting, "p3", "p1", "p2")
	assertOrder(t, h.waiting(t, doctor.ID), "p3", "p1", "p2")

	if _, err := h.engine.Move(ctx, MoveInput{DoctorID: doctor.ID, EntryID: last.ID, Position: 4}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid position, got %v", err)
	}
}

// racingStore lets another writer commit just before the first commit it
// sees.
type racingStore struct {
	*memory.Store
	mu     sync.Mutex
	before func()
}

func (s *racingStore) Commit(ctx context.Context, m store.Mutation) error {
	s.mu.Lock()
	hook := s.before
	s.before = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.Store.Commit(ctx, m)
}

func TestConcurrentReorderOfSameEntryConflicts(t *testing.T) {
	mem := memory.NewStore()
	racing := &racingStore{Store: mem}
	clock := newTestClock()
	engine := NewEngine(racing, Options{Logger: zerolog.Nop(), Clock: clock.Now, Retry: RetryPolicy{InitialInterval: time.Millisecond}})
	ctx := context.Background()

	if _, err := engine.RegisterDoctor(ctx, RegisterDoctorInput{ID: "doc-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	var entries []models.QueueEntry
	for i := 1; i <= 3; i++ {
		entry, _, err := engine.CheckIn(ctx, CheckInInput{DoctorID: "doc-1", PatientID: fmt.Sprintf("p%d", i)})
		if err != nil {
			t.Fatalf("check in: %v", err)
		}
		entries = append(entries, entry)
	}
	waiting, _ := mem.ListWaiting(ctx, "doc-1")
	seen := waiting[0].Version

	var winnerErr error
	racing.before = func() {
		_, winnerErr = engine.Move(ctx, MoveInput{DoctorID: "doc-1", EntryID: entries[0].ID, Position: 3, ExpectedVersion: seen})
	}
	_, loserErr := engine.Move(ctx, MoveInput{DoctorID: "doc-1", EntryID: entries[0].ID, Position: 2, ExpectedVersion: seen})
	if winnerErr != nil {
		t.Fatalf("winner: %v", winnerErr)
	}
	if !errors.Is(loserErr, ErrConflict) {
		t.Fatalf("expected loser conflict, got %v", loserErr)
	}

	waiting, _ = mem.ListWaiting(ctx, "doc-1")
	assertDense(t, waiting)
	assertOrder(t, waiting, "p2", "p3", "p1")
}

// conflictingStore loses every commit.
type conflictingStore struct {
	*memory.Store
	mu      sync.Mutex
	commits int
}

func (s *conflictingStore) Commit(ctx context.Context, m store.Mutation) error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return store.ErrVersionConflict
}

func TestConflictAfterRetryBudget(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	if _, err := mem.CreateDoctor(ctx, models.Doctor{ID: "doc-1", AvailabilityStatus: models.DoctorAvailable}); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	conflicting := &conflictingStore{Store: mem}
	engine := NewEngine(conflicting, Options{Logger: zerolog.Nop(), Retry: RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}})

	_, _, err := engine.CheckIn(ctx, CheckInInput{DoctorID: "doc-1", PatientID: "p1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflicting.commits != 3 {
		t.Fatalf("expected 3 attempts, got %d", conflicting.commits)
	}
}

func TestEndShiftWhileBusyLeavesEntryInProgress(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AutoCallNext: true}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	ctx := context.Background()
	entry, _, _ := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})

	off, err := h.engine.ChangeDoctorStatus(ctx, DoctorActionInput{DoctorID: doctor.ID, Action: "end_shift"})
	if err != nil {
		t.Fatalf("end shift: %v", err)
	}
	if off.AvailabilityStatus != models.DoctorOffDuty || off.CurrentQueueEntryID != nil {
		t.Fatalf("expected unbound off-duty doctor, got %+v", off)
	}
	stillCalled, _ := h.store.GetEntry(ctx, entry.ID)
	if stillCalled.Status != models.StatusInProgress {
		t.Fatalf("entry should stay IN_PROGRESS, got %s", stillCalled.Status)
	}

	if _, _, err := h.engine.Complete(ctx, EntryActionInput{EntryID: entry.ID}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	current, _ := h.store.GetDoctor(ctx, doctor.ID)
	if current.AvailabilityStatus != models.DoctorOffDuty {
		t.Fatalf("off-duty doctor must not be auto-called, got %s", current.AvailabilityStatus)
	}
	assertOrder(t, h.waiting(t, doctor.ID), "p2")

	if _, err := h.engine.ChangeDoctorStatus(ctx, DoctorActionInput{DoctorID: doctor.ID, Action: "resume"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestUpdateDoctorSettingsReestimatesWaits(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", AverageConsultationTime: 10}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	h.checkIn(t, doctor.ID, "p3")

	average := 20
	updated, err := h.engine.UpdateDoctorSettings(context.Background(), DoctorSettingsInput{DoctorID: doctor.ID, AverageConsultationTime: &average})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.AverageConsultationTime != 20 {
		t.Fatalf("expected average 20, got %d", updated.AverageConsultationTime)
	}
	waiting := h.waiting(t, doctor.ID)
	if waiting[2].EstimatedWaitTime != 40 {
		t.Fatalf("expected estimate 40, got %d", waiting[2].EstimatedWaitTime)
	}
}

func TestDoctorsSharingACodeAreRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.doctor(t, RegisterDoctorInput{ID: "doc-a", Code: "GP"}, models.DoctorAvailable)

	_, err := h.engine.RegisterDoctor(context.Background(), RegisterDoctorInput{ID: "doc-b", Code: "gp"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists for shared code, got %v", err)
	}
	if _, err := h.engine.RegisterDoctor(context.Background(), RegisterDoctorInput{ID: "doc-c", Code: "GP-2"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for code with separator, got %v", err)
	}
}

func TestDoctorsWithoutCodesGetDistinctSerials(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.doctor(t, RegisterDoctorInput{ID: "doctor-1"}, models.DoctorAvailable)
	second := h.doctor(t, RegisterDoctorInput{ID: "doctor-2"}, models.DoctorAvailable)

	a := h.checkIn(t, first.ID, "p1")
	b := h.checkIn(t, second.ID, "p2")
	if a.SerialNumber == b.SerialNumber {
		t.Fatalf("both doctors got serial %s", a.SerialNumber)
	}
	if a.SerialNumber != "DOCTOR1-260302-001" || b.SerialNumber != "DOCTOR2-260302-001" {
		t.Fatalf("serials=%s/%s", a.SerialNumber, b.SerialNumber)
	}
}

func TestDuplicateSerialIsAnAllocationFailure(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1", Code: "GP"}, models.DoctorAvailable)
	if err := h.store.Commit(context.Background(), store.Mutation{Insert: &models.QueueEntry{
		ID: "legacy", SerialNumber: "GP-260302-001", DoctorID: "elsewhere", PatientID: "p0", Status: models.StatusCompleted,
	}}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	_, _, err := h.engine.CheckIn(context.Background(), CheckInInput{DoctorID: doctor.ID, PatientID: "p1"})
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected allocation failure, got %v", err)
	}
}

func TestUpdateDoctorSettingsRejectsZeroAverage(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)

	zero := 0
	_, err := h.engine.UpdateDoctorSettings(context.Background(), DoctorSettingsInput{DoctorID: doctor.ID, AverageConsultationTime: &zero})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSnapshotRollsDailyStatsAfterMidnight(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	ctx := context.Background()
	called, _, err := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, _, err := h.engine.Complete(ctx, EntryActionInput{EntryID: called.ID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	snapshot, err := h.engine.Snapshot(ctx, doctor.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Doctor.TodayServed != 1 {
		t.Fatalf("expected one served today, got %d", snapshot.Doctor.TodayServed)
	}

	h.clock.Advance(24 * time.Hour)
	snapshot, err = h.engine.Snapshot(ctx, doctor.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Doctor.TodayServed != 0 || snapshot.Doctor.TotalServed != 1 {
		t.Fatalf("expected rolled daily stats, got today=%d total=%d", snapshot.Doctor.TodayServed, snapshot.Doctor.TotalServed)
	}
}

func TestSnapshotIncludesCurrentEntry(t *testing.T) {
	h := newHarness(t, Options{})
	doctor := h.doctor(t, RegisterDoctorInput{ID: "doc-1"}, models.DoctorAvailable)
	h.checkIn(t, doctor.ID, "p1")
	h.checkIn(t, doctor.ID, "p2")
	ctx := context.Background()
	called, _, _ := h.engine.CallNext(ctx, CallNextInput{DoctorID: doctor.ID})

	snapshot, err := h.engine.Snapshot(ctx, doctor.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.InProgress == nil || snapshot.InProgress.ID != called.ID {
		t.Fatalf("expected in-progress entry %s", called.ID)
	}
	assertOrder(t, snapshot.Waiting, "p2")
	if snapshot.Doctor.AvailabilityStatus != models.DoctorBusy {
		t.Fatalf("expected busy doctor in snapshot")
	}
}
