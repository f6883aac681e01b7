package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hackgods/lab-clinic-booking/internal/appointment"
	"github.com/hackgods/lab-clinic-booking/internal/auth"
	"github.com/hackgods/lab-clinic-booking/internal/handoff"
)

// OperatorHeader carries the operator id when token auth is disabled.
const OperatorHeader = "X-Operator-ID"

type AppointmentService interface {
	ReserveSlot(ctx context.Context, req appointment.ReserveRequest) (*appointment.ReserveResult, error)
	ListAvailability(ctx context.Context, rawDate, serviceCode, locationCode string) (*appointment.Availability, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error)
	ListPatientAppointments(ctx context.Context, identifier string, limit, offset int) ([]appointment.AppointmentDetail, error)
	ConfirmAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	StartAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type HandoffService interface {
	PendingConversations(ctx context.Context) ([]handoff.PendingConversation, error)
	QueuePosition(ctx context.Context, conversationID int64) (int, error)
	History(ctx context.Context, conversationID int64, limit int) ([]handoff.Message, error)
	ClaimConversation(ctx context.Context, conversationID int64, operatorID string) (*handoff.Conversation, error)
	CloseConversation(ctx context.Context, conversationID int64, operatorID string) (*handoff.Conversation, error)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func reserveSlotHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReserveSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", formatValidationError(err))
			return
		}

		res, err := svc.ReserveSlot(r.Context(), appointment.ReserveRequest{
			PatientIdentifier: req.PatientIdentifier,
			Date:              req.Date,
			Time:              req.Time,
			ServiceCode:       req.ServiceCode,
			LocationCode:      req.LocationCode,
			Notes:             req.Notes,
		})
		if err != nil {
			writeAppointmentError(w, err)
			return
		}

		status := http.StatusOK
		if res.Available {
			status = http.StatusCreated
		}
		writeJSON(w, status, toReservationResponse(res))
	}
}

func availabilityHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("date") == "" {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter is required")
			return
		}

		av, err := svc.ListAvailability(r.Context(), q.Get("date"), q.Get("service"), q.Get("location"))
		if err != nil {
			writeAppointmentError(w, err)
			return
		}

		resp := AvailabilityResponse{Date: av.Date, Message: av.Message, Slots: make([]SlotResponse, 0, len(av.Slots))}
		for _, s := range av.Slots {
			resp.Slots = append(resp.Slots, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDetailResponse(*detail))
	}
}

func listPatientAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := strings.TrimSpace(chi.URLParam(r, "identifier"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		details, err := svc.ListPatientAppointments(r.Context(), identifier, limit, offset)
		if err != nil {
			writeAppointmentError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(details))
		for _, d := range details {
			resp = append(resp, toDetailResponse(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// transitionHandler serves confirm, start and cancel, which share a shape.
func transitionHandler(fn func(context.Context, uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := fn(r.Context(), id)
		if err != nil {
			writeAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func pendingHandler(svc HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := svc.PendingConversations(r.Context())
		if err != nil {
			writeHandoffError(w, err)
			return
		}
		if pending == nil {
			pending = []handoff.PendingConversation{}
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

func queuePositionHandler(svc HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}

		pos, err := svc.QueuePosition(r.Context(), id)
		if err != nil {
			writeHandoffError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, QueuePositionResponse{ConversationID: id, Position: pos, Waiting: pos > 0})
	}
}

func historyHandler(svc HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		msgs, err := svc.History(r.Context(), id, limit)
		if err != nil {
			writeHandoffError(w, err)
			return
		}
		if msgs == nil {
			msgs = []handoff.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func claimHandler(svc HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}

		conv, err := svc.ClaimConversation(r.Context(), id, operatorID(r))
		if err != nil {
			writeHandoffError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func closeHandler(svc HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}

		conv, err := svc.CloseConversation(r.Context(), id, operatorID(r))
		if err != nil {
			writeHandoffError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// operatorID prefers the verified token subject over the plain header.
func operatorID(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return strings.TrimSpace(r.Header.Get(OperatorHeader))
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_conversation_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeAppointmentError(w http.ResponseWriter, err error) {
	code := appointment.Code(err)
	switch code {
	case "patient_not_found", "appointment_not_found", "slot_not_found":
		writeError(w, http.StatusNotFound, code, err.Error())
	case "invalid_date", "invalid_time", "past_date":
		writeError(w, http.StatusBadRequest, code, err.Error())
	case "duplicate_booking", "slot_no_longer_available", "reservation_in_progress",
		"invalid_status_transition", "appointment_not_cancellable":
		writeError(w, http.StatusConflict, code, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeHandoffError(w http.ResponseWriter, err error) {
	code := handoff.Code(err)
	switch code {
	case "conversation_not_found":
		writeError(w, http.StatusNotFound, code, err.Error())
	case "already_assigned", "conversation_closed", "not_waiting":
		writeError(w, http.StatusConflict, code, err.Error())
	case "not_authorized":
		writeError(w, http.StatusForbidden, code, err.Error())
	case "invalid_message", "invalid_session":
		writeError(w, http.StatusBadRequest, code, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "max":
			parts = append(parts, field+" must be at most "+fe.Param()+" characters")
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
