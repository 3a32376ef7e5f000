package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/robertarktes/experience-bookings/internal/cleanup"
	"github.com/robertarktes/experience-bookings/internal/config"
	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
	"github.com/robertarktes/experience-bookings/internal/webhook"
)

const dateLayout = "2006-01-02"

type BookingService interface {
	Hold(ctx context.Context, slotID, userID uuid.UUID, guests int) (*domain.Reservation, error)
	Reserve(ctx context.Context, slotID, userID uuid.UUID, guests int) (*domain.Reservation, error)
	PromoteHold(ctx context.Context, reservationID, userID uuid.UUID) (*domain.Reservation, error)
	AttachPayment(ctx context.Context, reservationID, userID uuid.UUID, transactionID string) (*domain.Reservation, error)
	Cancel(ctx context.Context, reservationID, userID uuid.UUID) (*domain.Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetTimeSlot(ctx context.Context, id uuid.UUID, includeHeld bool) (*domain.TimeSlot, error)
	ListTimeSlots(ctx context.Context, experienceID uuid.UUID, from, to time.Time, includeHeld bool) ([]domain.TimeSlot, error)
	SetTimeSlotStatus(ctx context.Context, slotID, hostID uuid.UUID, status domain.SlotStatus) (*domain.TimeSlot, error)
}

type AvailabilityExpander interface {
	Expand(ctx context.Context, rule domain.AvailabilityRule, horizonMonths int) (int, error)
}

type TimezoneResolver interface {
	Timezone(ctx context.Context, experienceID uuid.UUID) (string, error)
}

type WebhookProcessor interface {
	Handle(ctx context.Context, evt webhook.Event) (webhook.Result, error)
}

type CleanupRunner interface {
	RunOnce(ctx context.Context) (cleanup.Report, error)
}

// Deps are the collaborators of the handlers. Timezones and Cleanup may be nil.
type Deps struct {
	Bookings  BookingService
	Expander  AvailabilityExpander
	Timezones TimezoneResolver
	Webhooks  WebhookProcessor
	Cleanup   CleanupRunner
	Checks    map[string]func(context.Context) error
	Logger    observability.Logger
}

type Handlers struct {
	cfg *config.Config
	Deps
}

func NewHandlers(cfg *config.Config, deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	return &Handlers{cfg: cfg, Deps: deps}
}

type availabilityRequest struct {
	StartDate     string         `json:"start_date"`
	EndDate       string         `json:"end_date,omitempty"`
	DaysOfWeek    []time.Weekday `json:"days_of_week,omitempty"`
	Times         []string       `json:"times"`
	MaxCapacity   int            `json:"max_capacity"`
	Timezone      string         `json:"timezone,omitempty"`
	HorizonMonths int            `json:"horizon_months,omitempty"`
}

func (h *Handlers) CreateAvailability(w http.ResponseWriter, r *http.Request) {
	experienceID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req availabilityRequest
	if !decode(w, r, &req) {
		return
	}

	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "start_date must be YYYY-MM-DD")
		return
	}
	rule := domain.AvailabilityRule{
		ID:           uuid.New(),
		ExperienceID: experienceID,
		StartDate:    start,
		DaysOfWeek:   req.DaysOfWeek,
		Times:        req.Times,
		MaxCapacity:  req.MaxCapacity,
		Timezone:     req.Timezone,
		CreatedAt:    time.Now().UTC(),
	}
	if req.EndDate != "" {
		end, err := time.Parse(dateLayout, req.EndDate)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "end_date must be YYYY-MM-DD")
			return
		}
		rule.EndDate = &end
	}
	if rule.Timezone == "" && h.Timezones != nil {
		rule.Timezone, err = h.Timezones.Timezone(r.Context(), experienceID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	horizon := req.HorizonMonths
	if horizon <= 0 {
		horizon = h.cfg.DefaultHorizonMonths
	}
	created, err := h.Expander.Expand(r.Context(), rule, horizon)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.writeError(w, r, err)
			return
		}
		loggerFrom(r.Context(), h.Logger).WithError(err).Error("slot generation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":           "SLOT_GENERATION_FAILED",
			"availability_id": rule.ID,
			"created":         created,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"availability_id": rule.ID,
		"created":         created,
	})
}

func (h *Handlers) ListTimeSlots(w http.ResponseWriter, r *http.Request) {
	experienceID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	from := time.Now().UTC()
	if v := q.Get("from"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "from must be RFC3339 or YYYY-MM-DD")
			return
		}
		from = t
	}
	to := from.AddDate(0, 0, 30)
	if v := q.Get("to"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "to must be RFC3339 or YYYY-MM-DD")
			return
		}
		to = t
	}

	slots, err := h.Bookings.ListTimeSlots(r.Context(), experienceID, from, to, q.Get("include_held") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if slots == nil {
		slots = []domain.TimeSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"time_slots": slots})
}

func (h *Handlers) GetTimeSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	slot, err := h.Bookings.GetTimeSlot(r.Context(), id, r.URL.Query().Get("include_held") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slotView(slot))
}

type slotStatusRequest struct {
	Status domain.SlotStatus `json:"status"`
	HostID uuid.UUID         `json:"host_id"`
}

// SetTimeSlotStatus lets the owning host open or close a slot.
func (h *Handlers) SetTimeSlotStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req slotStatusRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := h.Bookings.SetTimeSlotStatus(r.Context(), id, callerID(r, req.HostID), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slotView(slot))
}

type bookingRequest struct {
	TimeSlotID     uuid.UUID `json:"time_slot_id"`
	UserID         uuid.UUID `json:"user_id"`
	NumberOfGuests int       `json:"number_of_guests"`
}

func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	h.book(w, r, h.Bookings.Hold)
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	h.book(w, r, h.Bookings.Reserve)
}

func (h *Handlers) book(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, slotID, userID uuid.UUID, guests int) (*domain.Reservation, error)) {
	var req bookingRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := op(r.Context(), req.TimeSlotID, callerID(r, req.UserID), req.NumberOfGuests)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type reservationActionRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

func (h *Handlers) PromoteHold(w http.ResponseWriter, r *http.Request) {
	h.reservationAction(w, r, func(ctx context.Context, id, userID uuid.UUID, _ reservationActionRequest) (*domain.Reservation, error) {
		return h.Bookings.PromoteHold(ctx, id, userID)
	})
}

func (h *Handlers) AttachPayment(w http.ResponseWriter, r *http.Request) {
	h.reservationAction(w, r, func(ctx context.Context, id, userID uuid.UUID, req reservationActionRequest) (*domain.Reservation, error) {
		return h.Bookings.AttachPayment(ctx, id, userID, req.TransactionID)
	})
}

func (h *Handlers) CancelReservation(w http.ResponseWriter, r *http.Request) {
	h.reservationAction(w, r, func(ctx context.Context, id, userID uuid.UUID, _ reservationActionRequest) (*domain.Reservation, error) {
		return h.Bookings.Cancel(ctx, id, userID)
	})
}

func (h *Handlers) reservationAction(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id, userID uuid.UUID, req reservationActionRequest) (*domain.Reservation, error)) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reservationActionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := op(r.Context(), id, callerID(r, req.UserID), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Bookings.GetReservation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if userID, ok := UserIDFromContext(r.Context()); ok && userID != res.UserID {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "reservation not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var evt webhook.Event
	if !decode(w, r, &evt) {
		return
	}
	result, err := h.Webhooks.Handle(r.Context(), evt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":  true,
		"duplicate": result.Duplicate,
		"applied":   result.Applied,
	})
}

func (h *Handlers) RunCleanup(w http.ResponseWriter, r *http.Request) {
	if h.Cleanup == nil {
		writeJSONError(w, http.StatusNotImplemented, "NOT_CONFIGURED", "cleanup is not configured")
		return
	}
	report, err := h.Cleanup.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// writeError maps the error taxonomy onto HTTP: rejections are client
// outcomes, transient database conflicts ask the client to retry.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := domain.AsRejection(err); ok {
		writeJSONError(w, rejectionStatus(rej.Reason), string(rej.Reason), rej.Error())
		return
	}
	switch {
	case domain.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, "TRY_AGAIN", "temporarily unavailable, try again")
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeJSONError(w, http.StatusConflict, "CONFLICT", "conflict")
	default:
		loggerFrom(r.Context(), h.Logger).WithError(err).Error("request failed")
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func rejectionStatus(reason domain.RejectReason) int {
	switch reason {
	case domain.ReasonTimeSlotNotFound:
		return http.StatusNotFound
	case domain.ReasonInvalidTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

type timeSlotView struct {
	*domain.TimeSlot
	Remaining int `json:"remaining"`
}

func slotView(s *domain.TimeSlot) timeSlotView {
	return timeSlotView{TimeSlot: s, Remaining: s.Remaining()}
}

// callerID prefers the authenticated user over the one in the body.
func callerID(r *http.Request, fromBody uuid.UUID) uuid.UUID {
	if id, ok := UserIDFromContext(r.Context()); ok {
		return id
	}
	return fromBody
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, v)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
