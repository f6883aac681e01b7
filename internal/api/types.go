package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/lab-clinic-booking/internal/appointment"
)

type ReserveSlotRequest struct {
	PatientIdentifier string `json:"patient_identifier" validate:"required,max=64"`
	Date              string `json:"date" validate:"required"`
	Time              string `json:"time" validate:"required"`
	ServiceCode       string `json:"service_code" validate:"omitempty,max=32"`
	LocationCode      string `json:"location_code" validate:"omitempty,max=32"`
	Notes             string `json:"notes" validate:"max=500"`
}

type ConfirmationResponse struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	Date            string    `json:"date"`
	Time            string    `json:"time"`
	RequestedTime   string    `json:"requested_time"`
	TimeSubstituted bool      `json:"time_substituted"`
	ServiceName     string    `json:"service_name"`
	LocationName    string    `json:"location_name"`
}

type ReservationResponse struct {
	Available    bool                  `json:"available"`
	Message      string                `json:"message"`
	Appointment  *ConfirmationResponse `json:"appointment,omitempty"`
	Alternatives []string              `json:"alternatives,omitempty"`
}

type SlotResponse struct {
	ID           uuid.UUID `json:"id"`
	Date         string    `json:"date"`
	Time         string    `json:"time"`
	Remaining    int       `json:"remaining"`
	ServiceCode  string    `json:"service_code"`
	ServiceName  string    `json:"service_name"`
	LocationCode string    `json:"location_code"`
	LocationName string    `json:"location_name"`
}

type AvailabilityResponse struct {
	Date    string         `json:"date"`
	Message string         `json:"message,omitempty"`
	Slots   []SlotResponse `json:"slots"`
}

type PatientResponse struct {
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
}

type AppointmentResponse struct {
	ID        uuid.UUID        `json:"id"`
	SlotID    uuid.UUID        `json:"slot_id"`
	PatientID uuid.UUID        `json:"patient_id"`
	Status    string           `json:"status"`
	Notes     *string          `json:"notes,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Slot      *SlotResponse    `json:"slot,omitempty"`
	Patient   *PatientResponse `json:"patient,omitempty"`
}

type QueuePositionResponse struct {
	ConversationID int64 `json:"conversation_id"`
	Position       int   `json:"position"`
	Waiting        bool  `json:"waiting"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s appointment.Slot) SlotResponse {
	return SlotResponse{
		ID:           s.ID,
		Date:         s.Date.Format(appointment.DateLayout),
		Time:         s.StartTime,
		Remaining:    s.Remaining,
		ServiceCode:  s.ServiceCode,
		ServiceName:  s.ServiceName,
		LocationCode: s.LocationCode,
		LocationName: s.LocationName,
	}
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		SlotID:    a.SlotID,
		PatientID: a.PatientID,
		Status:    string(a.Status),
		Notes:     a.Notes,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toDetailResponse(d appointment.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(d.Appointment)
	if d.Slot != nil {
		s := toSlotResponse(*d.Slot)
		resp.Slot = &s
	}
	if d.Patient != nil {
		resp.Patient = &PatientResponse{ID: d.Patient.ID, Identifier: d.Patient.Identifier, Name: d.Patient.Name}
	}
	return resp
}

func toReservationResponse(r *appointment.ReserveResult) ReservationResponse {
	resp := ReservationResponse{
		Available:    r.Available,
		Message:      r.Message,
		Alternatives: r.Alternatives,
	}
	if c := r.Confirmation; c != nil {
		resp.Appointment = &ConfirmationResponse{
			AppointmentID:   c.AppointmentID,
			SlotID:          c.SlotID,
			Date:            c.Date,
			Time:            c.Time,
			RequestedTime:   c.RequestedTime,
			TimeSubstituted: c.TimeSubstituted,
			ServiceName:     c.ServiceName,
			LocationName:    c.LocationName,
		}
		if resp.Message == "" {
			resp.Message = c.Message
		}
	}
	return resp
}
