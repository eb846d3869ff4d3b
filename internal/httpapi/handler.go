package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"clinicq/queue-service/internal/audit"
	"clinicq/queue-service/internal/availability"
	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/queue"

	"github.com/google/uuid"
)

// QueueService is the part of queue.Engine the HTTP API drives.
type QueueService interface {
	CheckIn(ctx context.Context, input queue.CheckInInput) (models.QueueEntry, bool, error)
	CallNext(ctx context.Context, input queue.CallNextInput) (models.QueueEntry, bool, error)
	StartConsultation(ctx context.Context, input queue.EntryActionInput) (models.QueueEntry, bool, error)
	Complete(ctx context.Context, input queue.EntryActionInput) (models.QueueEntry, bool, error)
	MarkNoShow(ctx context.Context, input queue.EntryActionInput) (models.QueueEntry, bool, error)
	Cancel(ctx context.Context, input queue.EntryActionInput) (models.QueueEntry, bool, error)
	Reorder(ctx context.Context, input queue.ReorderInput) ([]models.QueueEntry, error)
	Move(ctx context.Context, input queue.MoveInput) ([]models.QueueEntry, error)
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	Snapshot(ctx context.Context, doctorID string) (models.QueueSnapshot, error)
	RegisterDoctor(ctx context.Context, input queue.RegisterDoctorInput) (models.Doctor, error)
	ChangeDoctorStatus(ctx context.Context, input queue.DoctorActionInput) (models.Doctor, error)
	UpdateDoctorSettings(ctx context.Context, input queue.DoctorSettingsInput) (models.Doctor, error)
}

// AuditReader exposes a doctor's audit chain. It is only available with the
// postgres store.
type AuditReader interface {
	ListDoctorEvents(ctx context.Context, doctorID string) ([]audit.Record, error)
}

type Handler struct {
	queue QueueService
	audit AuditReader
}

type Options struct {
	Audit AuditReader
}

type checkInRequest struct {
	RequestID string `json:"request_id"`
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	Priority  *int   `json:"priority"`
}

type appointmentCheckInRequest struct {
	RequestID     string     `json:"request_id"`
	DoctorID      string     `json:"doctor_id"`
	PatientID     string     `json:"patient_id"`
	AppointmentID string     `json:"appointment_id"`
	ScheduledTime *time.Time `json:"scheduled_time"`
	Priority      *int       `json:"priority"`
}

type registerDoctorRequest struct {
	ID                      string `json:"id"`
	Code                    string `json:"code"`
	Name                    string `json:"name"`
	AutoCallNext            bool   `json:"auto_call_next"`
	NoShowTimeout           int    `json:"no_show_timeout"`
	AverageConsultationTime int    `json:"average_consultation_time"`
}

type doctorSettingsRequest struct {
	AutoCallNext            *bool `json:"auto_call_next"`
	NoShowTimeout           *int  `json:"no_show_timeout"`
	AverageConsultationTime *int  `json:"average_consultation_time"`
}

type actionRequest struct {
	RequestID string `json:"request_id"`
}

type reorderRequest struct {
	RequestID       string `json:"request_id"`
	EntryID         string `json:"entry_id"`
	OtherEntryID    string `json:"other_entry_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

type moveRequest struct {
	RequestID       string `json:"request_id"`
	EntryID         string `json:"entry_id"`
	Position        int    `json:"position"`
	ExpectedVersion int64  `json:"expected_version"`
}

type waitingResponse struct {
	DoctorID string              `json:"doctor_id"`
	Waiting  []models.QueueEntry `json:"waiting"`
}

type auditResponse struct {
	DoctorID string         `json:"doctor_id"`
	Valid    bool           `json:"valid"`
	Problem  string         `json:"problem,omitempty"`
	Events   []audit.Record `json:"events"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service QueueService, options Options) *Handler {
	return &Handler{queue: service, audit: options.Audit}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register mounts the API on mux so callers can add realtime and metrics
// endpoints next to it.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue/check-in", h.handleCheckIn)
	mux.HandleFunc("/api/appointments/checkin", h.handleAppointmentCheckIn)
	mux.HandleFunc("/api/doctors", h.handleRegisterDoctor)
	mux.HandleFunc("/api/doctors/", h.handleDoctorRoutes)
	mux.HandleFunc("/api/entries/", h.handleEntryRoutes)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req checkInRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.DoctorID == "" || req.PatientID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id and patient_id are required")
		return
	}
	if !validRequestID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.Priority != nil && *req.Priority < 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must not be negative")
		return
	}

	entry, created, err := h.queue.CheckIn(r.Context(), queue.CheckInInput{
		RequestID: req.RequestID,
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		Priority:  req.Priority,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeJSON(w, createdStatus(created), entry)
}

func (h *Handler) handleAppointmentCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req appointmentCheckInRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.DoctorID == "" || req.PatientID == "" || req.AppointmentID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id, patient_id and appointment_id are required")
		return
	}
	if !validRequestID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	entry, created, err := h.queue.CheckIn(r.Context(), queue.CheckInInput{
		RequestID:     req.RequestID,
		DoctorID:      req.DoctorID,
		PatientID:     req.PatientID,
		Priority:      req.Priority,
		AppointmentID: req.AppointmentID,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeJSON(w, createdStatus(created), entry)
}

func (h *Handler) handleRegisterDoctor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req registerDoctorRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	doctor, err := h.queue.RegisterDoctor(r.Context(), queue.RegisterDoctorInput{
		ID:                      req.ID,
		Code:                    req.Code,
		Name:                    strings.TrimSpace(req.Name),
		AutoCallNext:            req.AutoCallNext,
		NoShowTimeout:           req.NoShowTimeout,
		AverageConsultationTime: req.AverageConsultationTime,
	})
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, doctor)
}

// handleDoctorRoutes serves /api/doctors/{id}/...
func (h *Handler) handleDoctorRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/doctors/")
	if len(parts) < 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	doctorID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "queue":
		h.handleSnapshot(w, r, doctorID)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "reorder":
		h.handleReorder(w, r, doctorID)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "move":
		h.handleMove(w, r, doctorID)
	case len(parts) == 2 && parts[1] == "settings":
		h.handleDoctorSettings(w, r, doctorID)
	case len(parts) == 2 && parts[1] == "audit":
		h.handleAudit(w, r, doctorID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleDoctorAction(w, r, doctorID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := h.queue.Snapshot(r.Context(), doctorID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	if snapshot.Waiting == nil {
		snapshot.Waiting = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleDoctorAction(w http.ResponseWriter, r *http.Request, doctorID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req actionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !validRequestID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	if action == "call-next" {
		entry, _, err := h.queue.CallNext(r.Context(), queue.CallNextInput{RequestID: req.RequestID, DoctorID: doctorID})
		if err != nil {
			writeMappedError(w, req.RequestID, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	statusAction, ok := doctorActions[action]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	doctor, err := h.queue.ChangeDoctorStatus(r.Context(), queue.DoctorActionInput{
		RequestID: req.RequestID,
		DoctorID:  doctorID,
		Action:    statusAction,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, doctor)
}

var doctorActions = map[string]string{
	"start-shift": availability.ActionStartShift,
	"break":       availability.ActionBreak,
	"resume":      availability.ActionResume,
	"end-shift":   availability.ActionEndShift,
}

func (h *Handler) handleDoctorSettings(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req doctorSettingsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	doctor, err := h.queue.UpdateDoctorSettings(r.Context(), queue.DoctorSettingsInput{
		DoctorID:                doctorID,
		AutoCallNext:            req.AutoCallNext,
		NoShowTimeout:           req.NoShowTimeout,
		AverageConsultationTime: req.AverageConsultationTime,
	})
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, doctor)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req reorderRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.EntryID = strings.TrimSpace(req.EntryID)
	req.OtherEntryID = strings.TrimSpace(req.OtherEntryID)
	if req.EntryID == "" || req.OtherEntryID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "entry_id and other_entry_id are required")
		return
	}
	if !validRequestID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	waiting, err := h.queue.Reorder(r.Context(), queue.ReorderInput{
		RequestID:       req.RequestID,
		DoctorID:        doctorID,
		EntryID:         req.EntryID,
		OtherEntryID:    req.OtherEntryID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, waitingResponse{DoctorID: doctorID, Waiting: nonNil(waiting)})
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req moveRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.EntryID = strings.TrimSpace(req.EntryID)
	if req.EntryID == "" || req.Position < 1 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "entry_id and a position of at least 1 are required")
		return
	}
	if !validRequestID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	waiting, err := h.queue.Move(r.Context(), queue.MoveInput{
		RequestID:       req.RequestID,
		DoctorID:        doctorID,
		EntryID:         req.EntryID,
		Position:        req.Position,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, waitingResponse{DoctorID: doctorID, Waiting: nonNil(waiting)})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		writeError(w, "", http.StatusNotImplemented, "audit_unavailable", "audit trail requires the postgres store")
		return
	}
	records, err := h.audit.ListDoctorEvents(r.Context(), doctorID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	resp := auditResponse{DoctorID: doctorID, Valid: true, Events: records}
	if resp.Events == nil {
		resp.Events = []audit.Record{}
	}
	if err := audit.Verify(records); err != nil {
		resp.Valid = false
		resp.Problem = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEntryRoutes serves /api/entries/{id} and /api/entries/{id}/actions/{action}.
func (h *Handler) handleEntryRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/entries/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entryID := parts[0]
	switch {
	case len(parts) == 1:
		h.handleGetEntry(w, r, entryID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleEntryAction(w, r, entryID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entry, err := h.queue.GetEntry(r.Context(), entryID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type entryAction func(ctx context.Context, input queue.EntryActionInput) (models.QueueEntry, bool, error)

func (h *Handler) entryActions() map[string]entryAction {
	return map[string]entryAction{
		"start":    h.queue.StartConsultation,
		"complete": h.queue.Complete,
		"no-show":  h.queue.MarkNoShow,
		"cancel":   h.queue.Cancel,
	}
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	run, ok := h.entryActions()[action]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req actionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !validRequestID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	entry, _, err := run(r.Context(), queue.EntryActionInput{RequestID: req.RequestID, EntryID: entryID})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// decodeJSON rejects unknown fields. allowEmpty accepts a missing body for
// endpoints whose only field is optional.
func decodeJSON(r *http.Request, dst interface{}, allowEmpty bool) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func splitPath(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func validRequestID(value string) bool {
	if value == "" {
		return true
	}
	_, err := uuid.Parse(value)
	return err == nil
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func nonNil(entries []models.QueueEntry) []models.QueueEntry {
	if entries == nil {
		return []models.QueueEntry{}
	}
	return entries
}

func mapError(err error) (int, string, string) {
	var transition *queue.TransitionError
	switch {
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_transition", transition.Error()
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "state does not allow this action"
	case errors.Is(err, queue.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "not_found", "doctor or queue entry not found"
	case errors.Is(err, queue.ErrAlreadyExists):
		return http.StatusConflict, "already_exists", "doctor id or code already registered"
	case errors.Is(err, queue.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no patients waiting"
	case errors.Is(err, queue.ErrRequestReused):
		return http.StatusConflict, "request_reused", "request_id was already used for another action"
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict, "conflict", "queue changed concurrently, refresh and retry"
	case errors.Is(err, queue.ErrAllocation):
		return http.StatusServiceUnavailable, "allocation_failed", "could not allocate a serial number"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestID, status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
