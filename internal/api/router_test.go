package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/lab-clinic-booking/internal/appointment"
	"github.com/hackgods/lab-clinic-booking/internal/auth"
	"github.com/hackgods/lab-clinic-booking/internal/handoff"
	"github.com/hackgods/lab-clinic-booking/pkg/logging"
)

type stubAppointments struct {
	reserveResult *appointment.ReserveResult
	err           error
	lastReserve   appointment.ReserveRequest
	detail        *appointment.AppointmentDetail
}

func (s *stubAppointments) ReserveSlot(_ context.Context, req appointment.ReserveRequest) (*appointment.ReserveResult, error) {
	s.lastReserve = req
	return s.reserveResult, s.err
}

func (s *stubAppointments) ListAvailability(_ context.Context, rawDate, _, _ string) (*appointment.Availability, error) {
	if s.err != nil {
		return nil, s.err
	}
	d, _ := time.Parse(appointment.DateLayout, rawDate)
	return &appointment.Availability{Date: rawDate, Slots: []appointment.Slot{{ID: uuid.New(), Date: d, StartTime: "08:00", Remaining: 2, ServiceCode: "BLD"}}}, nil
}

func (s *stubAppointments) GetAppointment(context.Context, uuid.UUID) (*appointment.AppointmentDetail, error) {
	return s.detail, s.err
}

func (s *stubAppointments) ListPatientAppointments(context.Context, string, int, int) ([]appointment.AppointmentDetail, error) {
	return nil, s.err
}

func (s *stubAppointments) transition(id uuid.UUID, status appointment.AppointmentStatus) (*appointment.Appointment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &appointment.Appointment{ID: id, Status: status}, nil
}

func (s *stubAppointments) ConfirmAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.transition(id, appointment.StatusConfirmed)
}

func (s *stubAppointments) StartAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.transition(id, appointment.StatusInProgress)
}

func (s *stubAppointments) CancelAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.transition(id, appointment.StatusCancelled)
}

type stubHandoff struct {
	err       error
	position  int
	claimedBy string
}

func (s *stubHandoff) PendingConversations(context.Context) ([]handoff.PendingConversation, error) {
	return nil, s.err
}

func (s *stubHandoff) QueuePosition(context.Context, int64) (int, error) {
	return s.position, s.err
}

func (s *stubHandoff) History(context.Context, int64, int) ([]handoff.Message, error) {
	return nil, s.err
}

func (s *stubHandoff) ClaimConversation(_ context.Context, id int64, operatorID string) (*handoff.Conversation, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.claimedBy = operatorID
	return &handoff.Conversation{ID: id, State: handoff.StateAssigned, OperatorID: &operatorID}, nil
}

func (s *stubHandoff) CloseConversation(_ context.Context, id int64, _ string) (*handoff.Conversation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &handoff.Conversation{ID: id, State: handoff.StateClosed}, nil
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(appts AppointmentService, ho HandoffService, verifier *auth.Verifier) http.Handler {
	ok := pingerFunc(func(context.Context) error { return nil })
	return NewRouter(RouterConfig{
		Appointments: appts,
		Handoff:      ho,
		Health:       NewHealthHandler(ok, ok, "test", "v0"),
		Verifier:     verifier,
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Logger:       logging.Nop(),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestReserveSlotCreated(t *testing.T) {
	apptID, slotID := uuid.New(), uuid.New()
	svc := &stubAppointments{reserveResult: &appointment.ReserveResult{
		Available: true,
		Confirmation: &appointment.Confirmation{
			AppointmentID:   apptID,
			SlotID:          slotID,
			Date:            "2026-10-20",
			Time:            "07:15",
			RequestedTime:   "10:00",
			TimeSubstituted: true,
			Message:         "10:00 was not available; booked the earliest open time instead.",
		},
	}}
	h := newTestRouter(svc, nil, nil)

	rec := do(t, h, http.MethodPost, "/reservations", `{"patient_identifier":"CC-100","date":"2026-10-20","time":"10:00","notes":"fasting"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp ReservationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Available)
	require.NotNil(t, resp.Appointment)
	assert.Equal(t, apptID, resp.Appointment.AppointmentID)
	assert.True(t, resp.Appointment.TimeSubstituted)
	assert.Contains(t, resp.Message, "earliest open time")
	assert.Equal(t, "fasting", svc.lastReserve.Notes)
}

func TestReserveSlotZeroResultIsOK(t *testing.T) {
	svc := &stubAppointments{reserveResult: &appointment.ReserveResult{
		Available: false,
		Message:   "There are no available slots on 2026-10-20. Please choose another date.",
	}}
	h := newTestRouter(svc, nil, nil)

	rec := do(t, h, http.MethodPost, "/reservations", `{"patient_identifier":"CC-100","date":"2026-10-20","time":"10:00"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"available":false,"message":"There are no available slots on 2026-10-20. Please choose another date."}`, rec.Body.String())
}

func TestReserveSlotRejectsBadBodies(t *testing.T) {
	h := newTestRouter(&stubAppointments{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/reservations", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decodeError(t, rec).Error)

	rec = do(t, h, http.MethodPost, "/reservations", `{"date":"2026-10-20","time":"10:00"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "validation_failed", e.Error)
	assert.Equal(t, "patient_identifier is required", e.Details)

	rec = do(t, h, http.MethodPost, "/reservations", `{"patient_identifier":"CC-100","date":"2026-10-20","time":"10:00","notes":"`+strings.Repeat("x", 501)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "notes must be at most 500 characters", decodeError(t, rec).Details)
}

func TestReserveSlotErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
		{appointment.ErrInvalidDate, http.StatusBadRequest, "invalid_date"},
		{appointment.ErrInvalidTime, http.StatusBadRequest, "invalid_time"},
		{appointment.ErrPastDate, http.StatusBadRequest, "past_date"},
		{appointment.ErrDuplicateBooking, http.StatusConflict, "duplicate_booking"},
		{appointment.ErrSlotNoLongerAvailable, http.StatusConflict, "slot_no_longer_available"},
		{appointment.ErrReservationInProgress, http.StatusConflict, "reservation_in_progress"},
		{errors.New("pq: relation does not exist"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			h := newTestRouter(&stubAppointments{err: tt.err}, nil, nil)

			rec := do(t, h, http.MethodPost, "/reservations", `{"patient_identifier":"CC-100","date":"2026-10-20","time":"10:00"}`)

			assert.Equal(t, tt.status, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Error)
			assert.NotContains(t, e.Details, "relation")
		})
	}
}

func TestAvailability(t *testing.T) {
	h := newTestRouter(&stubAppointments{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/availability", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/availability?date=2026-10-20&service=BLD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AvailabilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Slots, 1)
	assert.Equal(t, "2026-10-20", resp.Slots[0].Date)
	assert.Equal(t, "08:00", resp.Slots[0].Time)
}

func TestAppointmentRoutes(t *testing.T) {
	id := uuid.New()
	svc := &stubAppointments{detail: &appointment.AppointmentDetail{
		Appointment: appointment.Appointment{ID: id, Status: appointment.StatusScheduled},
		Patient:     &appointment.Patient{Identifier: "CC-100", Name: "Ana"},
	}}
	h := newTestRouter(svc, nil, nil)

	rec := do(t, h, http.MethodGet, "/appointments/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/appointments/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "SCHEDULED", got.Status)
	require.NotNil(t, got.Patient)
	assert.Equal(t, "CC-100", got.Patient.Identifier)

	for path, status := range map[string]string{"confirm": "CONFIRMED", "start": "IN_PROGRESS", "cancel": "CANCELLED"} {
		rec = do(t, h, http.MethodPost, "/appointments/"+id.String()+"/"+path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, status, got.Status)
	}

	rec = do(t, h, http.MethodGet, "/patients/CC-100/appointments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAppointmentTransitionConflicts(t *testing.T) {
	id := uuid.New().String()

	h := newTestRouter(&stubAppointments{err: appointment.ErrInvalidStatusTransition}, nil, nil)
	rec := do(t, h, http.MethodPost, "/appointments/"+id+"/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h = newTestRouter(&stubAppointments{err: appointment.ErrAppointmentNotFound}, nil, nil)
	rec = do(t, h, http.MethodPost, "/appointments/"+id+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", decodeError(t, rec).Error)
}

func TestHandoffOperatorRoutesRequireToken(t *testing.T) {
	verifier := auth.NewVerifier("api-test-secret")
	operatorToken, err := verifier.Issue("op-1", auth.RoleOperator, "Ana", time.Hour)
	require.NoError(t, err)
	patientToken, err := verifier.Issue("u-1", auth.RolePatient, "", time.Hour)
	require.NoError(t, err)

	svc := &stubHandoff{}
	h := newTestRouter(nil, svc, verifier)

	rec := do(t, h, http.MethodGet, "/handoff/pending", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/handoff/pending", "", "Authorization", "Bearer "+patientToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/handoff/pending", "", "Authorization", "Bearer "+operatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/handoff/conversations/7/claim", "",
		"Authorization", "Bearer "+operatorToken, OperatorHeader, "spoofed")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-1", svc.claimedBy)
}

func TestHandoffRoutesWithoutTokenAuth(t *testing.T) {
	svc := &stubHandoff{position: 2}
	h := newTestRouter(nil, svc, nil)

	rec := do(t, h, http.MethodGet, "/handoff/conversations/7/position", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversation_id":7,"position":2,"waiting":true}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/handoff/conversations/abc/position", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/handoff/conversations/7/claim", "", OperatorHeader, "op-3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-3", svc.claimedBy)

	rec = do(t, h, http.MethodGet, "/handoff/conversations/7/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandoffErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{handoff.ErrAlreadyAssigned, http.StatusConflict},
		{handoff.ErrNotWaiting, http.StatusConflict},
		{handoff.ErrConversationClosed, http.StatusConflict},
		{handoff.ErrNotAuthorized, http.StatusForbidden},
		{handoff.ErrConversationNotFound, http.StatusNotFound},
		{handoff.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(handoff.Code(tt.err), func(t *testing.T) {
			h := newTestRouter(nil, &stubHandoff{err: tt.err}, nil)
			rec := do(t, h, http.MethodPost, "/handoff/conversations/7/claim", "", OperatorHeader, "op-1")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, handoff.Code(tt.err), decodeError(t, rec).Error)
		})
	}
}

func TestHealth(t *testing.T) {
	up := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("refused") })

	tests := []struct {
		name     string
		postgres Pinger
		redis    Pinger
		status   int
		want     string
	}{
		{"all up", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"redis disabled", up, nil, http.StatusOK, "ok"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Health: NewHealthHandler(tt.postgres, tt.redis, "test", "v0"), Logger: logging.Nop()})

			rec := do(t, h, http.MethodGet, "/health/ready", "")

			assert.Equal(t, tt.status, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
		})
	}

	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newTestRouter(nil, nil, nil)

	rec := do(t, h, http.MethodGet, "/health/live", "", "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/health/live", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsRoute(t *testing.T) {
	rec := do(t, newTestRouter(nil, nil, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
