package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "SCHEDULED"
	StatusConfirmed  AppointmentStatus = "CONFIRMED"
	StatusInProgress AppointmentStatus = "IN_PROGRESS"
	StatusCancelled  AppointmentStatus = "CANCELLED"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Patient struct {
	ID         uuid.UUID
	Identifier string
	Name       string
	Email      *string
	Active     bool
}

// Slot is a bookable window. Remaining never drops below zero; the database
// enforces it with a CHECK and the decrement is conditional.
type Slot struct {
	ID           uuid.UUID
	Date         time.Time
	StartTime    string // HH:MM
	Remaining    int
	Active       bool
	ServiceCode  string
	ServiceName  string
	LocationCode string
	LocationName string
}

type Holiday struct {
	Date        time.Time
	Description string
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	SlotID    uuid.UUID
	Status    AppointmentStatus
	Notes     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Slot    *Slot
	Patient *Patient
}

// SlotQuery selects candidate slots for one calendar date.
type SlotQuery struct {
	Date         time.Time
	ServiceCode  string
	LocationCode string
}

// ReserveRequest is the input of ReserveSlot. Date and Time are kept as the
// raw strings the caller sent so validation errors can name them.
type ReserveRequest struct {
	PatientIdentifier string
	Date              string
	Time              string
	ServiceCode       string
	LocationCode      string
	Notes             string
}

type Confirmation struct {
	AppointmentID   uuid.UUID
	SlotID          uuid.UUID
	Date            string
	Time            string
	RequestedTime   string
	TimeSubstituted bool
	ServiceName     string
	LocationName    string
	Message         string
}

// ReserveResult is either a confirmation or the zero-result shape
// (Available=false) carrying a message fit for display.
type ReserveResult struct {
	Available    bool
	Message      string
	Confirmation *Confirmation
	Alternatives []string
}

type Availability struct {
	Date    string
	Message string
	Slots   []Slot
}
