package mar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Toggler is the authoritative toggle path, implemented by *Service.
type Toggler interface {
	Toggle(ctx context.Context, orderID uuid.UUID, slot int, actor Actor, now time.Time) (DoseSlot, error)
}

type slotKey struct {
	order uuid.UUID
	slot  int
}

// Sheet is one session's working copy of a resident's day. Toggles are
// applied to the displayed copy immediately and rolled back if the engine
// refuses or fails them.
type Sheet struct {
	mu        sync.Mutex
	engine    Toggler
	policy    LockPolicy
	actor     Actor
	clock     func() time.Time
	confirmed map[uuid.UUID]*MedicationOrder
	view      map[uuid.UUID]*MedicationOrder
	order     []uuid.UUID
	pending   map[slotKey]bool
	// latest change time folded into each confirmed slot
	seen map[slotKey]time.Time
}

// NewSheet builds a working copy of orders for actor. clock may be nil.
func NewSheet(engine Toggler, policy LockPolicy, actor Actor, orders []*MedicationOrder, clock func() time.Time) *Sheet {
	if clock == nil {
		clock = time.Now
	}
	s := &Sheet{
		engine:    engine,
		policy:    policy,
		actor:     actor,
		clock:     clock,
		confirmed: make(map[uuid.UUID]*MedicationOrder, len(orders)),
		view:      make(map[uuid.UUID]*MedicationOrder, len(orders)),
		pending:   make(map[slotKey]bool),
		seen:      make(map[slotKey]time.Time),
	}
	for _, o := range orders {
		s.confirmed[o.ID] = o.Clone()
		s.view[o.ID] = o.Clone()
		s.order = append(s.order, o.ID)
	}
	return s
}

// Toggle flips a slot optimistically and confirms it with the engine. On any
// error the slot is restored to its last confirmed state; a ConflictError
// carries the fresh stored slot, which becomes the confirmed state.
func (s *Sheet) Toggle(ctx context.Context, orderID uuid.UUID, slot int) (DoseSlot, error) {
	now := s.clock()
	key := slotKey{order: orderID, slot: slot}

	s.mu.Lock()
	o, ok := s.view[orderID]
	if !ok {
		s.mu.Unlock()
		return DoseSlot{}, ErrOrderNotFound
	}
	if s.pending[key] {
		s.mu.Unlock()
		return DoseSlot{}, ErrTogglePending
	}
	cur, err := o.Slot(slot)
	if err != nil {
		s.mu.Unlock()
		return DoseSlot{}, err
	}
	if err := s.policy.Check(*cur, s.actor, now); err != nil {
		s.mu.Unlock()
		return cur.clone(), err
	}
	if cur.IsVerified() {
		*cur = cur.withVerification(Verification{})
	} else {
		if !cur.HasTime() {
			s.mu.Unlock()
			return cur.clone(), &ValidationError{Field: "scheduled_time", Msg: "a dose without a scheduled time cannot be verified"}
		}
		*cur = cur.withVerification(Verified(s.actor, now))
	}
	s.pending[key] = true
	s.mu.Unlock()

	stored, err := s.engine.Toggle(ctx, orderID, slot, s.actor, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)

	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.confirmed[orderID].Slots[slot-1] = conflict.Current.clone()
		}
		restored := s.confirmed[orderID].Slots[slot-1].clone()
		s.view[orderID].Slots[slot-1] = restored
		return restored.clone(), err
	}

	s.confirmed[orderID].Slots[slot-1] = stored.clone()
	s.view[orderID].Slots[slot-1] = stored.clone()
	s.markSeen(key, now)
	return stored, nil
}

// Slot returns the displayed state of one slot.
func (s *Sheet) Slot(orderID uuid.UUID, slot int) (DoseSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.view[orderID]
	if !ok || slot < 1 || slot > SlotCount {
		return DoseSlot{}, false
	}
	return o.Slots[slot-1].clone(), true
}

// Pending reports whether a toggle on the slot is awaiting the engine.
func (s *Sheet) Pending(orderID uuid.UUID, slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[slotKey{order: orderID, slot: slot}]
}

// Orders returns copies of the displayed orders in load order.
func (s *Sheet) Orders() []*MedicationOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MedicationOrder, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.view[id].Clone())
	}
	return out
}

// CanToggle reports whether the sheet's actor may toggle the slot right now.
// Display only; the engine decides.
func (s *Sheet) CanToggle(orderID uuid.UUID, slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.view[orderID]
	if !ok {
		return false
	}
	cur, err := o.Slot(slot)
	if err != nil {
		return false
	}
	return s.policy.CanMutate(*cur, s.actor, s.clock())
}

// Apply merges a slot change committed by another session. Changes for
// unknown orders, for a slot with a toggle in flight, or older than what the
// slot already reflects are ignored; feed events may arrive out of order.
func (s *Sheet) Apply(change SlotChange) bool {
	n := change.Slot.Number
	if n < 1 || n > SlotCount {
		return false
	}
	key := slotKey{order: change.OrderID, slot: n}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.confirmed[change.OrderID]
	if !ok {
		return false
	}
	if s.pending[key] {
		return false
	}
	latest := s.seen[key]
	if at := o.Slots[n-1].VerifiedAt; at != nil && at.After(latest) {
		latest = *at
	}
	if change.At.Before(latest) {
		return false
	}
	o.Slots[n-1] = change.Slot.clone()
	s.view[change.OrderID].Slots[n-1] = change.Slot.clone()
	s.markSeen(key, change.At)
	return true
}

func (s *Sheet) markSeen(key slotKey, at time.Time) {
	if at.After(s.seen[key]) {
		s.seen[key] = at
	}
}
