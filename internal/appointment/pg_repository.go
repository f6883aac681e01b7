package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgUniqueViolation = "23505"

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

const appointmentCols = `id, patient_id, slot_id, status, notes, created_at, updated_at`

const slotSelect = `
	SELECT s.id, s.slot_date, to_char(s.start_time, 'HH24:MI'), s.remaining, s.active,
	       s.service_code, sv.name, s.location_code, l.name
	FROM slots s
	JOIN services sv ON sv.code = s.service_code
	JOIN locations l ON l.code = s.location_code`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Identifier, &p.Name, &p.Email, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.Date,
		&s.StartTime,
		&s.Remaining,
		&s.Active,
		&s.ServiceCode,
		&s.ServiceName,
		&s.LocationCode,
		&s.LocationName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.SlotID,
		&a.Status,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func dateString(t time.Time) string {
	return t.Format(DateLayout)
}

// Interface methods

func (r *PgRepository) GetPatientByIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, identifier, name, email, active
		FROM patients
		WHERE identifier = $1
	`, identifier)
	return scanPatient(row)
}

func (r *PgRepository) GetHoliday(ctx context.Context, date time.Time) (*Holiday, error) {
	var h Holiday
	err := r.db.QueryRow(ctx, `
		SELECT holiday_date, description
		FROM holidays
		WHERE holiday_date = $1::date AND active
	`, dateString(date)).Scan(&h.Date, &h.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHolidayNotFound
		}
		return nil, fmt.Errorf("load holiday: %w", err)
	}
	return &h, nil
}

func (r *PgRepository) FindOpenSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	rows, err := r.db.Query(ctx, slotSelect+`
		WHERE s.slot_date = $1::date
		  AND s.active
		  AND s.remaining > 0
		  AND ($2 = '' OR s.service_code = $2)
		  AND ($3 = '' OR s.location_code = $3)
		ORDER BY s.start_time ASC, s.id ASC
	`, dateString(q.Date), q.ServiceCode, q.LocationCode)
	if err != nil {
		return nil, fmt.Errorf("query open slots: %w", err)
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) HasLiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND slot_id = $2 AND status <> 'CANCELLED'
		)
	`, patientID, slotID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check live appointment: %w", err)
	}
	return exists, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAppointment(ctx context.Context, q rowQuerier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.db, id)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, *appt)
}

func (r *PgRepository) hydrate(ctx context.Context, appt Appointment) (*AppointmentDetail, error) {
	slot, err := scanSlot(r.db.QueryRow(ctx, slotSelect+` WHERE s.id = $1`, appt.SlotID))
	if err != nil {
		return nil, fmt.Errorf("load slot %s: %w", appt.SlotID, err)
	}
	patient, err := scanPatient(r.db.QueryRow(ctx, `
		SELECT id, identifier, name, email, active FROM patients WHERE id = $1
	`, appt.PatientID))
	if err != nil {
		return nil, fmt.Errorf("load patient %s: %w", appt.PatientID, err)
	}
	return &AppointmentDetail{Appointment: appt, Slot: slot, Patient: patient}, nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	var appts []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		appts = append(appts, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]AppointmentDetail, 0, len(appts))
	for _, a := range appts {
		d, err := r.hydrate(ctx, a)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, nil
}

func (r *PgRepository) ReserveSlot(ctx context.Context, slotID, patientID uuid.UUID, notes *string) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET remaining = remaining - 1,
		    updated_at = now()
		WHERE id = $1
		  AND active
		  AND remaining > 0
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("decrement slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSlotNoLongerAvailable
	}

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, slot_id, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, 'SCHEDULED', $4, now(), now())
		RETURNING `+appointmentCols,
		uuid.New(), patientID, slotID, notes))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateBooking
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancellation: %w", err)
	}
	defer tx.Rollback(ctx)

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'CANCELLED',
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'CANCELLED'
		RETURNING `+appointmentCols, id))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			_, getErr := getAppointment(ctx, tx, id)
			switch {
			case getErr == nil:
				return nil, ErrAppointmentNotCancellable
			case !errors.Is(getErr, ErrAppointmentNotFound):
				return nil, fmt.Errorf("load appointment: %w", getErr)
			}
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slots
		SET remaining = remaining + 1,
		    updated_at = now()
		WHERE id = $1
	`, appt.SlotID); err != nil {
		return nil, fmt.Errorf("restore slot capacity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancellation: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus) (*Appointment, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		RETURNING `+appointmentCols, id, string(to), fromStrs)

	return scanAppointment(row)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
