package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Operation names accepted by MemoryStore.FailOn.
const (
	OpInsertAppointment   = "InsertAppointment"
	OpUpdateAppointment   = "UpdateAppointment"
	OpDeleteAppointment   = "DeleteAppointment"
	OpInsertPayment       = "InsertPayment"
	OpUpdatePaymentStatus = "UpdatePaymentStatus"
	OpDeletePayment       = "DeletePayment"
	OpInsertMedicalRecord = "InsertMedicalRecord"
	OpDeleteMedicalRecord = "DeleteMedicalRecord"
	OpInsertLog           = "InsertLog"
	OpCommit              = "Commit"
)

var errStillReferenced = errors.New("appointment is still referenced by a payment or medical record")

type memoryState struct {
	patients     map[int64]Patient
	doctors      map[int64]Doctor
	appointments map[int64]Appointment
	payments     map[int64]Payment
	records      map[int64]MedicalRecord
	logs         []AppointmentLog
	seq          int64
}

func newMemoryState() memoryState {
	return memoryState{
		patients:     map[int64]Patient{},
		doctors:      map[int64]Doctor{},
		appointments: map[int64]Appointment{},
		payments:     map[int64]Payment{},
		records:      map[int64]MedicalRecord{},
	}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		patients:     make(map[int64]Patient, len(s.patients)),
		doctors:      make(map[int64]Doctor, len(s.doctors)),
		appointments: make(map[int64]Appointment, len(s.appointments)),
		payments:     make(map[int64]Payment, len(s.payments)),
		records:      make(map[int64]MedicalRecord, len(s.records)),
		logs:         append([]AppointmentLog(nil), s.logs...),
		seq:          s.seq,
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	return c
}

func (s *memoryState) nextID() int64 {
	s.seq++
	return s.seq
}

// MemoryStore is an in-process Store. Units of work run one at a time against
// a private copy of the state that replaces the shared state on commit. It
// enforces the same uniqueness backstops as the Postgres schema.
type MemoryStore struct {
	mu       sync.Mutex
	state    memoryState
	failures map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:    newMemoryState(),
		failures: map[string]error{},
	}
}

// AddPatient stores p with a fresh id and returns it.
func (m *MemoryStore) AddPatient(p Patient) Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.state.nextID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.state.patients[p.ID] = p
	return p
}

// AddDoctor stores d with a fresh id and returns it.
func (m *MemoryStore) AddDoctor(d Doctor) Doctor {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.state.nextID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.state.doctors[d.ID] = d
	return d
}

// SetDoctorActive flips the active flag, as the external doctor registry would.
func (m *MemoryStore) SetDoctorActive(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.state.doctors[id]; ok {
		d.IsActive = active
		m.state.doctors[id] = d
	}
}

// FailOn makes the next call of op inside a unit of work return err. The
// failure fires once.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// ActiveAppointmentsAt counts committed non-cancelled appointments in a slot.
func (m *MemoryStore) ActiveAppointmentsAt(doctorID int64, at time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.state.appointments {
		if a.DoctorID == doctorID && a.ScheduledAt.Equal(at) && a.Status.Active() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	repo := &memoryRepository{state: &work, store: m}
	if err := fn(ctx, repo); err != nil {
		return err
	}
	if err := m.takeFailure(OpCommit); err != nil {
		return err
	}
	// A caller deadline that passed during the unit aborts it.
	if err := ctx.Err(); err != nil {
		return err
	}

	m.state = work
	return nil
}

func (m *MemoryStore) ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]AppointmentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AppointmentLog
	for _, l := range m.state.logs {
		if l.ID > afterID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// takeFailure must be called with m.mu held.
func (m *MemoryStore) takeFailure(op string) error {
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return err
}

type memoryRepository struct {
	state *memoryState
	store *MemoryStore
}

func (r *memoryRepository) GetPatientByID(_ context.Context, id int64) (*Patient, error) {
	p, ok := r.state.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *memoryRepository) GetDoctorByID(_ context.Context, id int64) (*Doctor, error) {
	d, ok := r.state.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *memoryRepository) GetAppointmentByID(_ context.Context, id int64) (*Appointment, error) {
	a, ok := r.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

// LockAppointment is a plain read: units already run one at a time.
func (r *memoryRepository) LockAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return r.GetAppointmentByID(ctx, id)
}

func (r *memoryRepository) FindActiveAppointmentAt(_ context.Context, doctorID int64, at time.Time, excludeID int64) (*Appointment, error) {
	for _, a := range r.state.appointments {
		if a.ID == excludeID {
			continue
		}
		if a.DoctorID == doctorID && a.ScheduledAt.Equal(at) && a.Status.Active() {
			found := a
			return &found, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *memoryRepository) slotTaken(a *Appointment) bool {
	if !a.Status.Active() {
		return false
	}
	for _, other := range r.state.appointments {
		if other.ID != a.ID && other.DoctorID == a.DoctorID && other.ScheduledAt.Equal(a.ScheduledAt) && other.Status.Active() {
			return true
		}
	}
	return false
}

func (r *memoryRepository) InsertAppointment(_ context.Context, a *Appointment) error {
	if err := r.store.takeFailure(OpInsertAppointment); err != nil {
		return err
	}
	if _, ok := r.state.patients[a.PatientID]; !ok {
		return ErrPatientNotFound
	}
	if _, ok := r.state.doctors[a.DoctorID]; !ok {
		return ErrDoctorNotFound
	}
	if r.slotTaken(a) {
		return ErrSlotConflict
	}
	a.ID = r.state.nextID()
	a.UpdatedAt = a.CreatedAt
	r.state.appointments[a.ID] = *a
	return nil
}

func (r *memoryRepository) UpdateAppointment(_ context.Context, a *Appointment) error {
	if err := r.store.takeFailure(OpUpdateAppointment); err != nil {
		return err
	}
	if _, ok := r.state.appointments[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	if r.slotTaken(a) {
		return ErrSlotConflict
	}
	r.state.appointments[a.ID] = *a
	return nil
}

func (r *memoryRepository) DeleteAppointment(_ context.Context, id int64) error {
	if err := r.store.takeFailure(OpDeleteAppointment); err != nil {
		return err
	}
	if _, ok := r.state.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	// Mirrors the foreign keys: dependents must be gone first.
	for _, p := range r.state.payments {
		if p.AppointmentID == id {
			return errStillReferenced
		}
	}
	for _, rec := range r.state.records {
		if rec.AppointmentID != nil && *rec.AppointmentID == id {
			return errStillReferenced
		}
	}
	delete(r.state.appointments, id)
	return nil
}

func (r *memoryRepository) GetPaymentByID(_ context.Context, id int64) (*Payment, error) {
	p, ok := r.state.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (r *memoryRepository) GetPaymentByAppointment(_ context.Context, appointmentID int64) (*Payment, error) {
	for _, p := range r.state.payments {
		if p.AppointmentID == appointmentID {
			found := p
			return &found, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *memoryRepository) InsertPayment(ctx context.Context, p *Payment) error {
	if err := r.store.takeFailure(OpInsertPayment); err != nil {
		return err
	}
	if _, ok := r.state.appointments[p.AppointmentID]; !ok {
		return ErrAppointmentNotFound
	}
	if _, err := r.GetPaymentByAppointment(ctx, p.AppointmentID); err == nil {
		return ErrDuplicatePayment
	}
	p.ID = r.state.nextID()
	r.state.payments[p.ID] = *p
	return nil
}

func (r *memoryRepository) UpdatePaymentStatus(_ context.Context, id int64, status PaymentStatus) error {
	if err := r.store.takeFailure(OpUpdatePaymentStatus); err != nil {
		return err
	}
	p, ok := r.state.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = status
	r.state.payments[id] = p
	return nil
}

func (r *memoryRepository) DeletePayment(_ context.Context, id int64) error {
	if err := r.store.takeFailure(OpDeletePayment); err != nil {
		return err
	}
	if _, ok := r.state.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	delete(r.state.payments, id)
	return nil
}

func (r *memoryRepository) GetMedicalRecordByAppointment(_ context.Context, appointmentID int64) (*MedicalRecord, error) {
	for _, rec := range r.state.records {
		if rec.AppointmentID != nil && *rec.AppointmentID == appointmentID {
			found := rec
			return &found, nil
		}
	}
	return nil, ErrMedicalRecordNotFound
}

func (r *memoryRepository) InsertMedicalRecord(ctx context.Context, rec *MedicalRecord) error {
	if err := r.store.takeFailure(OpInsertMedicalRecord); err != nil {
		return err
	}
	if rec.AppointmentID != nil {
		if _, err := r.GetMedicalRecordByAppointment(ctx, *rec.AppointmentID); err == nil {
			return ErrDuplicateMedicalRecord
		}
	}
	rec.ID = r.state.nextID()
	r.state.records[rec.ID] = *rec
	return nil
}

func (r *memoryRepository) DeleteMedicalRecord(_ context.Context, id int64) error {
	if err := r.store.takeFailure(OpDeleteMedicalRecord); err != nil {
		return err
	}
	if _, ok := r.state.records[id]; !ok {
		return ErrMedicalRecordNotFound
	}
	delete(r.state.records, id)
	return nil
}

func (r *memoryRepository) InsertLog(_ context.Context, l *AppointmentLog) error {
	if err := r.store.takeFailure(OpInsertLog); err != nil {
		return err
	}
	l.ID = r.state.nextID()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	r.state.logs = append(r.state.logs, *l)
	return nil
}
