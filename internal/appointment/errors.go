package appointment

import "errors"

var (
	ErrInvalidDate               = errors.New("date must be formatted as YYYY-MM-DD")
	ErrInvalidTime               = errors.New("time must be formatted as HH:MM (24-hour)")
	ErrPastDate                  = errors.New("date is in the past")
	ErrDuplicateBooking          = errors.New("patient already holds an appointment in this slot")
	ErrSlotNoLongerAvailable     = errors.New("slot is no longer available, please check availability again")
	ErrReservationInProgress     = errors.New("another reservation for this patient and date is in progress")
	ErrInvalidStatusTransition   = errors.New("invalid status transition")
	ErrAppointmentNotCancellable = errors.New("appointment is already cancelled")
	ErrInternal                  = errors.New("internal error")
)

// Code maps an error to the stable machine-readable code reported to callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPatientNotFound):
		return "patient_not_found"
	case errors.Is(err, ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrPastDate):
		return "past_date"
	case errors.Is(err, ErrDuplicateBooking):
		return "duplicate_booking"
	case errors.Is(err, ErrSlotNoLongerAvailable):
		return "slot_no_longer_available"
	case errors.Is(err, ErrReservationInProgress):
		return "reservation_in_progress"
	case errors.Is(err, ErrAppointmentNotFound):
		return "appointment_not_found"
	case errors.Is(err, ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrAppointmentNotCancellable):
		return "appointment_not_cancellable"
	default:
		return "internal_error"
	}
}
