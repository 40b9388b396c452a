package mar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

// mockOrderRepo mirrors the conditional-write contract of the SQL stores in
// memory, including the time/verify guards.
type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*MedicationOrder
	ids    []uuid.UUID
	events []*VerificationEvent

	readErr  error
	writeErr error
	// beforeSlotWrite runs under no lock right before a conditional slot
	// write, to simulate another session committing first.
	beforeSlotWrite func()
	slotWrites      int
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*MedicationOrder)}
}

// seed stores an order built by the test and returns its id.
func (m *mockOrderRepo) seed(o *MedicationOrder) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	for i := range o.Slots {
		o.Slots[i].Number = i + 1
	}
	if o.Route == "" {
		o.Route = RouteOral
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ID] = o.Clone()
	m.ids = append(m.ids, o.ID)
	return o.ID
}

// stored returns a copy of the persisted order.
func (m *mockOrderRepo) stored(id uuid.UUID) *MedicationOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Clone()
}

// mutate changes a stored order directly, bypassing the engine.
func (m *mockOrderRepo) mutate(id uuid.UUID, fn func(o *MedicationOrder)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.orders[id])
}

func (m *mockOrderRepo) eventsFor(id uuid.UUID) []*VerificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*VerificationEvent
	for _, ev := range m.events {
		if ev.OrderID == id {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockOrderRepo) filter(keep func(o *MedicationOrder) bool) ([]*MedicationOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []*MedicationOrder
	for _, id := range m.ids {
		if o := m.orders[id]; keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *mockOrderRepo) LoadOrders(_ context.Context, residentID uuid.UUID, date time.Time) ([]*MedicationOrder, error) {
	return m.filter(func(o *MedicationOrder) bool {
		return o.ResidentID == residentID && o.Date.Equal(date)
	})
}

func (m *mockOrderRepo) ListOrdersBetween(_ context.Context, residentID uuid.UUID, from, to time.Time) ([]*MedicationOrder, error) {
	out, err := m.filter(func(o *MedicationOrder) bool {
		return o.ResidentID == residentID && !o.Date.Before(from) && !o.Date.After(to)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, err
}

func (m *mockOrderRepo) ListOrdersForDate(_ context.Context, date time.Time) ([]*MedicationOrder, error) {
	return m.filter(func(o *MedicationOrder) bool { return o.Date.Equal(date) })
}

func (m *mockOrderRepo) GetOrder(_ context.Context, id uuid.UUID) (*MedicationOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *mockOrderRepo) UpsertOrderFields(_ context.Context, id uuid.UUID, f OrderFields) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return uuid.Nil, m.writeErr
	}
	now := time.Now()
	if id == uuid.Nil {
		o := &MedicationOrder{
			ID:         uuid.New(),
			ResidentID: f.ResidentID,
			Date:       f.Date,
			DrugName:   f.DrugName,
			Dose:       cloneStr(f.Dose),
			Route:      f.Route,
			Notes:      cloneStr(f.Notes),
			Slots:      newOrderSlots(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		m.orders[o.ID] = o
		m.ids = append(m.ids, o.ID)
		return o.ID, nil
	}
	o, ok := m.orders[id]
	if !ok {
		return uuid.Nil, ErrOrderNotFound
	}
	o.DrugName = f.DrugName
	o.Dose = cloneStr(f.Dose)
	o.Route = f.Route
	o.Notes = cloneStr(f.Notes)
	o.UpdatedAt = now
	return id, nil
}

func (m *mockOrderRepo) SetFourthDose(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	fourth := o.Slots[SlotCount-1]
	if !enabled && (fourth.HasTime() || fourth.IsVerified()) {
		return ErrStaleSlot
	}
	o.FourthDoseEnabled = enabled
	return nil
}

func (m *mockOrderRepo) slotWrite(orderID uuid.UUID, slot int, expected Verification, ev *VerificationEvent, apply func(s *DoseSlot) bool) error {
	if m.beforeSlotWrite != nil {
		m.beforeSlotWrite()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	s := &o.Slots[slot-1]
	if !s.Verification().Equal(expected) || !apply(s) {
		return ErrStaleSlot
	}
	m.slotWrites++
	cp := *ev
	cp.ID = uuid.New()
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockOrderRepo) UpdateDoseVerification(_ context.Context, orderID uuid.UUID, slot int, expected, next Verification, ev *VerificationEvent) error {
	return m.slotWrite(orderID, slot, expected, ev, func(s *DoseSlot) bool {
		if next.Status && !s.HasTime() {
			return false
		}
		*s = s.withVerification(Verification{
			Checker:   cloneStr(next.Checker),
			CheckTime: next.CheckTime,
			Status:    next.Status,
		})
		return true
	})
}

func (m *mockOrderRepo) UpdateDoseTime(_ context.Context, orderID uuid.UUID, slot int, expected Verification, scheduled *ClockTime, ev *VerificationEvent) error {
	return m.slotWrite(orderID, slot, expected, ev, func(s *DoseSlot) bool {
		if scheduled == nil && s.IsVerified() {
			return false
		}
		if scheduled == nil {
			s.ScheduledTime = nil
		} else {
			t := *scheduled
			s.ScheduledTime = &t
		}
		return true
	})
}

func (m *mockOrderRepo) ListEvents(_ context.Context, orderID uuid.UUID, limit, offset int) ([]*VerificationEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, 0, m.readErr
	}
	var all []*VerificationEvent
	for _, ev := range m.events {
		if ev.OrderID == orderID {
			all = append(all, ev)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- Recording Observer --

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	faults   int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[string]int)}
}

func (r *recordingObserver) ToggleOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recordingObserver) ObservePersist(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.faults++
	}
}

func (r *recordingObserver) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

// -- Fixtures --

var (
	testDay   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	testNow   = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	nurseA    = Actor{UserID: "nurse-a", Role: RoleNurse}
	nurseB    = Actor{UserID: "nurse-b", Role: RoleNurse}
	adminUser = Actor{UserID: "admin-1", Role: RoleAdmin}
)

func clock(s string) *ClockTime {
	c := ClockTime(s)
	return &c
}

// scheduledOrder returns an unverified order for testDay with slots 1-3 at
// 08:00, 14:00 and 20:00.
func scheduledOrder(resident uuid.UUID) *MedicationOrder {
	o := &MedicationOrder{
		ResidentID: resident,
		Date:       testDay,
		DrugName:   "Paracetamol",
		Route:      RouteOral,
		Slots:      newOrderSlots(),
	}
	o.Slots[0].ScheduledTime = clock("08:00")
	o.Slots[1].ScheduledTime = clock("14:00")
	o.Slots[2].ScheduledTime = clock("20:00")
	return o
}

// verifiedBy stamps slot n of o as verified by actor at at.
func verifiedBy(o *MedicationOrder, n int, actor Actor, at time.Time) *MedicationOrder {
	o.Slots[n-1] = o.Slots[n-1].withVerification(Verified(actor, at))
	return o
}
