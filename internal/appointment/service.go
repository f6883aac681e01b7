package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/lab-clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/lab-clinic-booking/internal/redis"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentStarted   = "APPOINTMENT_STARTED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
)

var tracer = otel.Tracer("labclinic.internal.appointment")

type Options struct {
	// Location decides what "today" means for the past-date check.
	Location *time.Location
	// StrictTimeMatch turns an inexact time into a zero-result response
	// instead of substituting the earliest slot.
	StrictTimeMatch bool
	Now             func() time.Time
}

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	metrics *metrics.ReservationMetrics
	logger  zerolog.Logger
	opts    Options
}

// NewService wires the reservation service. locker and m may be nil.
func NewService(repo Repository, locker redisclient.Locker, m *metrics.ReservationMetrics, logger zerolog.Logger, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		metrics: m,
		logger:  logger.With().Str("component", "appointment").Logger(),
		opts:    opts,
	}
}

// ReserveSlot books the patient into a slot on the requested date. A holiday
// or a day without capacity yields Available=false rather than an error. The
// lost-race case is reported as ErrSlotNoLongerAvailable and never retried here.
func (s *Service) ReserveSlot(ctx context.Context, req ReserveRequest) (result *ReserveResult, err error) {
	ctx, span := tracer.Start(ctx, "appointment.reserve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("labclinic.date", req.Date),
			attribute.String("labclinic.time", req.Time),
		),
	)
	defer span.End()

	start := s.opts.Now()
	defer func() {
		outcome := "created"
		switch {
		case err != nil:
			outcome = Code(err)
			span.RecordError(err)
		case !result.Available:
			outcome = "no_availability"
		}
		s.metrics.ObserveAttempt(outcome, s.opts.Now().Sub(start).Seconds())
	}()

	date, err := s.parseFutureDate(req.Date)
	if err != nil {
		return nil, err
	}
	requested, err := time.Parse(TimeLayout, strings.TrimSpace(req.Time))
	if err != nil {
		return nil, ErrInvalidTime
	}
	hhmm := requested.Format(TimeLayout)

	patient, err := s.repo.GetPatientByIdentifier(ctx, req.PatientIdentifier)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, s.internal("load patient", err)
	}
	if !patient.Active {
		return nil, ErrPatientNotFound
	}

	holiday, err := s.repo.GetHoliday(ctx, date)
	switch {
	case err == nil:
		return &ReserveResult{
			Available: false,
			Message:   fmt.Sprintf("No appointments are available on %s: %s", req.Date, holiday.Description),
		}, nil
	case !errors.Is(err, ErrHolidayNotFound):
		return nil, s.internal("load holiday", err)
	}

	candidates, err := s.repo.FindOpenSlots(ctx, SlotQuery{
		Date:         date,
		ServiceCode:  req.ServiceCode,
		LocationCode: req.LocationCode,
	})
	if err != nil {
		return nil, s.internal("find open slots", err)
	}
	if len(candidates) == 0 {
		return &ReserveResult{
			Available: false,
			Message:   fmt.Sprintf("There are no available slots on %s. Please choose another date.", req.Date),
		}, nil
	}

	slot, exact := SelectSlot(candidates, hhmm)
	if !exact && s.opts.StrictTimeMatch {
		times := StartTimes(candidates)
		return &ReserveResult{
			Available:    false,
			Message:      fmt.Sprintf("%s is not available on %s. Available times: %s", hhmm, req.Date, strings.Join(times, ", ")),
			Alternatives: times,
		}, nil
	}

	var notes *string
	if n := strings.TrimSpace(req.Notes); n != "" {
		notes = &n
	}

	var created *Appointment
	book := func(ctx context.Context) error {
		dup, err := s.repo.HasLiveAppointment(ctx, patient.ID, slot.ID)
		if err != nil {
			return s.internal("check duplicate", err)
		}
		if dup {
			return ErrDuplicateBooking
		}

		appt, err := s.repo.ReserveSlot(ctx, slot.ID, patient.ID, notes)
		if err != nil {
			if errors.Is(err, ErrSlotNoLongerAvailable) || errors.Is(err, ErrDuplicateBooking) {
				return err
			}
			return s.internal("reserve slot", err)
		}
		created = appt
		return nil
	}

	if s.locker != nil {
		key := fmt.Sprintf("reserve:%s:%s", patient.ID, req.Date)
		err = s.locker.WithLock(ctx, key, book)
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			return nil, ErrReservationInProgress
		case errors.Is(err, redisclient.ErrLockUnavailable):
			s.logger.Warn().Err(err).Str("lock_key", key).Msg("reservation lock unavailable, booking without it")
			err = book(ctx)
		}
	} else {
		err = book(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventAppointmentCreated, map[string]any{
		"slot_id":          slot.ID.String(),
		"patient_id":       patient.ID.String(),
		"requested_time":   hhmm,
		"time_substituted": !exact,
	})
	s.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("slot_id", slot.ID.String()).
		Bool("time_substituted", !exact).
		Msg("slot reserved")

	msg := fmt.Sprintf("Appointment booked for %s at %s (%s, %s).", req.Date, slot.StartTime, slot.ServiceName, slot.LocationName)
	if !exact {
		msg = fmt.Sprintf("%s was not available; booked the earliest open time instead. %s", hhmm, msg)
	}

	return &ReserveResult{
		Available: true,
		Message:   msg,
		Confirmation: &Confirmation{
			AppointmentID:   created.ID,
			SlotID:          slot.ID,
			Date:            req.Date,
			Time:            slot.StartTime,
			RequestedTime:   hhmm,
			TimeSubstituted: !exact,
			ServiceName:     slot.ServiceName,
			LocationName:    slot.LocationName,
			Message:         msg,
		},
	}, nil
}

// SelectSlot picks the candidate starting exactly at hhmm, or the earliest
// one when nothing matches. Candidates must be sorted by start time.
func SelectSlot(candidates []Slot, hhmm string) (Slot, bool) {
	for _, c := range candidates {
		if c.StartTime == hhmm {
			return c, true
		}
	}
	return candidates[0], false
}

// StartTimes lists distinct start times in candidate order.
func StartTimes(candidates []Slot) []string {
	seen := make(map[string]struct{}, len(candidates))
	times := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.StartTime]; ok {
			continue
		}
		seen[c.StartTime] = struct{}{}
		times = append(times, c.StartTime)
	}
	return times
}

// ListAvailability returns the open slots for a date, or an empty list with a
// message on holidays.
func (s *Service) ListAvailability(ctx context.Context, rawDate, serviceCode, locationCode string) (*Availability, error) {
	date, err := s.parseFutureDate(rawDate)
	if err != nil {
		return nil, err
	}

	holiday, err := s.repo.GetHoliday(ctx, date)
	switch {
	case err == nil:
		return &Availability{
			Date:    rawDate,
			Message: fmt.Sprintf("No appointments are available on %s: %s", rawDate, holiday.Description),
			Slots:   []Slot{},
		}, nil
	case !errors.Is(err, ErrHolidayNotFound):
		return nil, s.internal("load holiday", err)
	}

	slots, err := s.repo.FindOpenSlots(ctx, SlotQuery{Date: date, ServiceCode: serviceCode, LocationCode: locationCode})
	if err != nil {
		return nil, s.internal("find open slots", err)
	}
	if slots == nil {
		slots = []Slot{}
	}
	av := &Availability{Date: rawDate, Slots: slots}
	if len(slots) == 0 {
		av.Message = fmt.Sprintf("There are no available slots on %s. Please choose another date.", rawDate)
	}
	return av, nil
}

// CancelAppointment cancels and returns the seat to the slot.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.CancelAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) || errors.Is(err, ErrAppointmentNotCancellable) {
			return nil, err
		}
		return nil, s.internal("cancel appointment", err)
	}
	s.logEvent(ctx, appt.ID, EventAppointmentCancelled, map[string]any{"slot_id": appt.SlotID.String()})
	return appt, nil
}

// ConfirmAppointment moves a scheduled appointment to confirmed.
func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, []AppointmentStatus{StatusScheduled}, StatusConfirmed, EventAppointmentConfirmed)
}

// StartAppointment marks the patient as checked in.
func (s *Service) StartAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, []AppointmentStatus{StatusScheduled, StatusConfirmed}, StatusInProgress, EventAppointmentStarted)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, event string) (*Appointment, error) {
	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, from, to)
	if err == nil {
		s.logEvent(ctx, updated.ID, event, map[string]any{})
		return updated, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, s.internal("update appointment status", err)
	}

	// Zero rows: either the appointment is missing or it is in another state.
	if _, getErr := s.repo.GetAppointmentByID(ctx, id); getErr != nil {
		if errors.Is(getErr, ErrAppointmentNotFound) {
			return nil, getErr
		}
		return nil, s.internal("load appointment", getErr)
	}
	return nil, ErrInvalidStatusTransition
}

// GetAppointment retrieves a fully hydrated appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, s.internal("get appointment", err)
	}
	return detail, nil
}

// ListPatientAppointments retrieves appointments for a patient identifier.
func (s *Service) ListPatientAppointments(ctx context.Context, identifier string, limit, offset int) ([]AppointmentDetail, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	patient, err := s.repo.GetPatientByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, s.internal("load patient", err)
	}

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patient.ID, limit, offset)
	if err != nil {
		return nil, s.internal("list appointments by patient", err)
	}
	return appointments, nil
}

func (s *Service) parseFutureDate(raw string) (time.Time, error) {
	date, err := time.ParseInLocation(DateLayout, raw, s.opts.Location)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	now := s.opts.Now().In(s.opts.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.opts.Location)
	if date.Before(today) {
		return time.Time{}, ErrPastDate
	}
	return date, nil
}

// internal logs an unexpected failure and hides it behind a generic error so
// persistence details never reach the caller.
func (s *Service) internal(op string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Msg("appointment operation failed")
	return fmt.Errorf("%s: %w", op, ErrInternal)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.opts.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
