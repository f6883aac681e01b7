package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrHolidayNotFound     = errors.New("holiday not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByIdentifier(ctx context.Context, identifier string) (*Patient, error)
	GetHoliday(ctx context.Context, date time.Time) (*Holiday, error)

	// Candidates: active, remaining > 0, ordered by start time.
	FindOpenSlots(ctx context.Context, q SlotQuery) ([]Slot, error)

	// For conflict checks
	HasLiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (bool, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)

	// ReserveSlot decrements capacity and inserts a SCHEDULED appointment in
	// one transaction. Lost races return ErrSlotNoLongerAvailable.
	ReserveSlot(ctx context.Context, slotID, patientID uuid.UUID, notes *string) (*Appointment, error)
	// CancelAppointment cancels and gives the seat back in one transaction.
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus) (*Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
