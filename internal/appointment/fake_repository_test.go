package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo mirrors the pg repository semantics: the decrement is conditional
// and the (patient, slot) live uniqueness is enforced at insert time.
type memRepo struct {
	mu           sync.Mutex
	patients     map[string]*Patient
	slots        map[uuid.UUID]*Slot
	holidays     map[string]Holiday
	appointments map[uuid.UUID]*Appointment
	events       []EventLog

	// reserveHook runs after the duplicate check and before the decrement,
	// widening the race window in concurrency tests.
	reserveHook func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients:     make(map[string]*Patient),
		slots:        make(map[uuid.UUID]*Slot),
		holidays:     make(map[string]Holiday),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (m *memRepo) addPatient(identifier string) *Patient {
	p := &Patient{ID: uuid.New(), Identifier: identifier, Name: "Patient " + identifier, Active: true}
	m.patients[identifier] = p
	return p
}

func (m *memRepo) addSlot(date, start string, remaining int) *Slot {
	d, _ := time.Parse(DateLayout, date)
	s := &Slot{
		ID:           uuid.New(),
		Date:         d,
		StartTime:    start,
		Remaining:    remaining,
		Active:       true,
		ServiceCode:  "BLD",
		ServiceName:  "Blood panel",
		LocationCode: "MAIN",
		LocationName: "Main lab",
	}
	m.slots[s.ID] = s
	return s
}

func (m *memRepo) remaining(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id].Remaining
}

func (m *memRepo) liveCount(patientID, slotID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.PatientID == patientID && a.SlotID == slotID && a.Status != StatusCancelled {
			n++
		}
	}
	return n
}

func (m *memRepo) GetPatientByIdentifier(_ context.Context, identifier string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[identifier]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) GetHoliday(_ context.Context, date time.Time) (*Holiday, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holidays[date.Format(DateLayout)]
	if !ok {
		return nil, ErrHolidayNotFound
	}
	return &h, nil
}

func (m *memRepo) FindOpenSlots(_ context.Context, q SlotQuery) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for _, s := range m.slots {
		if s.Date.Format(DateLayout) != q.Date.Format(DateLayout) || !s.Active || s.Remaining <= 0 {
			continue
		}
		if q.ServiceCode != "" && s.ServiceCode != q.ServiceCode {
			continue
		}
		if q.LocationCode != "" && s.LocationCode != q.LocationCode {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *memRepo) HasLiveAppointment(_ context.Context, patientID, slotID uuid.UUID) (bool, error) {
	return m.liveCount(patientID, slotID) > 0, nil
}

func (m *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := m.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := *m.slots[a.SlotID]
	return &AppointmentDetail{Appointment: *a, Slot: &slot}, nil
}

func (m *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AppointmentDetail
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			slot := *m.slots[a.SlotID]
			out = append(out, AppointmentDetail{Appointment: *a, Slot: &slot})
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) ReserveSlot(_ context.Context, slotID, patientID uuid.UUID, notes *string) (*Appointment, error) {
	if m.reserveHook != nil {
		m.reserveHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[slotID]
	if !ok || !s.Active || s.Remaining <= 0 {
		return nil, ErrSlotNoLongerAvailable
	}
	for _, a := range m.appointments {
		if a.PatientID == patientID && a.SlotID == slotID && a.Status != StatusCancelled {
			// The transaction rolls back, so the decrement never lands.
			return nil, ErrDuplicateBooking
		}
	}
	s.Remaining--

	a := &Appointment{
		ID:        uuid.New(),
		PatientID: patientID,
		SlotID:    slotID,
		Status:    StatusScheduled,
		Notes:     notes,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.appointments[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *memRepo) CancelAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status == StatusCancelled {
		return nil, ErrAppointmentNotCancellable
	}
	a.Status = StatusCancelled
	m.slots[a.SlotID].Remaining++
	cp := *a
	return &cp, nil
}

func (m *memRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	for _, f := range from {
		if a.Status == f {
			a.Status = to
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}
