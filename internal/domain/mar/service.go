package mar

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultAuditDays = 7
	MaxAuditDays     = 31
)

// Toggle outcomes reported to the Observer.
const (
	OutcomeVerified   = "verified"
	OutcomeUnverified = "unverified"
	OutcomeDenied     = "denied"
	OutcomeConflict   = "conflict"
	OutcomeInvalid    = "invalid"
	OutcomeError      = "error"
)

// Observer receives engine measurements. The telemetry package provides the
// Prometheus implementation.
type Observer interface {
	ToggleOutcome(outcome string)
	ObservePersist(op string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ToggleOutcome(string) {}
func (nopObserver) ObservePersist(string, time.Duration, error) {}

// Service is the MAR verification engine: every slot mutation passes the
// lock policy and lands as a conditional write.
type Service struct {
	orders    OrderRepository
	policy    LockPolicy
	auditDays int
	logger    zerolog.Logger
	obs       Observer
	feed      ChangeFeed
}

func NewService(orders OrderRepository, policy LockPolicy, logger zerolog.Logger) *Service {
	return &Service{
		orders:    orders,
		policy:    policy,
		auditDays: DefaultAuditDays,
		logger:    logger.With().Str("component", "mar").Logger(),
		obs:       nopObserver{},
		feed:      nopFeed{},
	}
}

// SetObserver attaches an optional metrics observer.
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.obs = o
}

// SetAuditWindow sets the default number of days History returns.
func (s *Service) SetAuditWindow(days int) {
	if days > 0 && days <= MaxAuditDays {
		s.auditDays = days
	}
}

// Policy returns the lock policy the service enforces.
func (s *Service) Policy() LockPolicy {
	return s.policy
}

func (s *Service) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	var reported error
	if err != nil && !errors.Is(err, ErrStaleSlot) && !errors.Is(err, ErrOrderNotFound) {
		reported = err
	}
	s.obs.ObservePersist(op, time.Since(start), reported)
	return err
}

func (s *Service) storageFault(op string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Msg("storage failure")
	return &PersistenceError{Op: op, Err: err}
}

func (s *Service) loadOrder(ctx context.Context, id uuid.UUID) (*MedicationOrder, error) {
	var o *MedicationOrder
	err := s.persist(ctx, "get_order", func(ctx context.Context) error {
		var err error
		o, err = s.orders.GetOrder(ctx, id)
		return err
	})
	if errors.Is(err, ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, s.storageFault("load order", err)
	}
	return o, nil
}

// Toggle flips the verification of one dose slot on behalf of actor.
// Verifying stamps (actor, now); unverifying clears the stamp. The returned
// slot is the state now stored.
func (s *Service) Toggle(ctx context.Context, orderID uuid.UUID, slot int, actor Actor, now time.Time) (DoseSlot, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		s.obs.ToggleOutcome(OutcomeError)
		return DoseSlot{}, err
	}
	cur, err := o.Slot(slot)
	if err != nil {
		s.obs.ToggleOutcome(OutcomeInvalid)
		return DoseSlot{}, err
	}
	if err := s.policy.Check(*cur, actor, now); err != nil {
		s.denied(orderID, slot, actor, err)
		return DoseSlot{}, err
	}

	expected := cur.Verification()
	var next Verification
	action := ActionUnverify
	if !cur.IsVerified() {
		if !cur.HasTime() {
			s.obs.ToggleOutcome(OutcomeInvalid)
			return DoseSlot{}, &ValidationError{Field: "scheduled_time", Msg: "a dose without a scheduled time cannot be verified"}
		}
		next = Verified(actor, now)
		action = ActionVerify
	}

	ev := &VerificationEvent{
		OrderID:           orderID,
		Slot:              slot,
		Action:            action,
		ActorID:           actor.UserID,
		ActorRole:         actor.Role,
		PreviousChecker:   expected.Checker,
		PreviousCheckTime: expected.CheckTime,
		ScheduledTime:     cur.ScheduledTime,
		OccurredAt:        now.UTC().Truncate(time.Microsecond),
	}

	err = s.persist(ctx, "update_dose_verification", func(ctx context.Context) error {
		return s.orders.UpdateDoseVerification(ctx, orderID, slot, expected, next, ev)
	})
	switch {
	case err == nil:
		stored := cur.clone().withVerification(next)
		if action == ActionVerify {
			s.obs.ToggleOutcome(OutcomeVerified)
		} else {
			s.obs.ToggleOutcome(OutcomeUnverified)
		}
		s.logger.Info().
			Str("order_id", orderID.String()).
			Int("slot", slot).
			Str("action", action).
			Str("actor", actor.UserID).
			Str("role", string(actor.Role)).
			Msg("dose verification updated")
		s.publish(ctx, o, action, stored, actor, now)
		return stored, nil
	case errors.Is(err, ErrStaleSlot):
		return DoseSlot{}, s.resolveStale(ctx, orderID, slot, actor, now)
	case errors.Is(err, ErrOrderNotFound):
		s.obs.ToggleOutcome(OutcomeError)
		return DoseSlot{}, ErrOrderNotFound
	default:
		s.obs.ToggleOutcome(OutcomeError)
		return DoseSlot{}, s.storageFault("update dose verification", err)
	}
}

// resolveStale re-reads a slot whose conditional write missed and reports
// either the lock that now applies or a conflict carrying the fresh slot.
func (s *Service) resolveStale(ctx context.Context, orderID uuid.UUID, slot int, actor Actor, now time.Time) error {
	fresh, err := s.loadOrder(ctx, orderID)
	if err != nil {
		s.obs.ToggleOutcome(OutcomeError)
		return err
	}
	fs, err := fresh.Slot(slot)
	if err != nil {
		s.obs.ToggleOutcome(OutcomeInvalid)
		return err
	}
	if err := s.policy.Check(*fs, actor, now); err != nil {
		s.denied(orderID, slot, actor, err)
		return err
	}
	s.obs.ToggleOutcome(OutcomeConflict)
	s.logger.Debug().
		Str("order_id", orderID.String()).
		Int("slot", slot).
		Str("actor", actor.UserID).
		Msg("dose slot changed concurrently")
	return &ConflictError{Current: fs.clone()}
}

func (s *Service) denied(orderID uuid.UUID, slot int, actor Actor, err error) {
	s.obs.ToggleOutcome(OutcomeDenied)
	s.logger.Debug().
		Str("order_id", orderID.String()).
		Int("slot", slot).
		Str("actor", actor.UserID).
		Str("reason", err.Error()).
		Msg("dose slot locked")
}

// SetDoseTime changes the scheduled time of one slot. It is gated by the same
// lock as Toggle and leaves the verification stamp untouched. A nil time
// clears the slot, which is refused while the slot is verified.
func (s *Service) SetDoseTime(ctx context.Context, orderID uuid.UUID, slot int, t *ClockTime, actor Actor, now time.Time) (DoseSlot, error) {
	if t != nil {
		ct, err := ParseClockTime(string(*t))
		if err != nil {
			return DoseSlot{}, &ValidationError{Field: "scheduled_time", Msg: err.Error()}
		}
		t = &ct
	}

	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return DoseSlot{}, err
	}
	cur, err := o.Slot(slot)
	if err != nil {
		return DoseSlot{}, err
	}
	if err := s.policy.Check(*cur, actor, now); err != nil {
		s.denied(orderID, slot, actor, err)
		return DoseSlot{}, err
	}
	if t == nil && cur.IsVerified() {
		return DoseSlot{}, &ValidationError{Field: "scheduled_time", Msg: "a verified dose must keep its scheduled time"}
	}

	expected := cur.Verification()
	ev := &VerificationEvent{
		OrderID:           orderID,
		Slot:              slot,
		Action:            ActionSetTime,
		ActorID:           actor.UserID,
		ActorRole:         actor.Role,
		PreviousChecker:   expected.Checker,
		PreviousCheckTime: expected.CheckTime,
		ScheduledTime:     t,
		OccurredAt:        now.UTC().Truncate(time.Microsecond),
	}

	err = s.persist(ctx, "update_dose_time", func(ctx context.Context) error {
		return s.orders.UpdateDoseTime(ctx, orderID, slot, expected, t, ev)
	})
	switch {
	case err == nil:
		stored := cur.clone()
		stored.ScheduledTime = t
		s.publish(ctx, o, ActionSetTime, stored, actor, now)
		return stored, nil
	case errors.Is(err, ErrStaleSlot):
		return DoseSlot{}, s.resolveStale(ctx, orderID, slot, actor, now)
	case errors.Is(err, ErrOrderNotFound):
		return DoseSlot{}, ErrOrderNotFound
	default:
		return DoseSlot{}, s.storageFault("update dose time", err)
	}
}

// SaveOrder writes the descriptive fields of an order. id == uuid.Nil creates
// the row; an entry without a drug name is a draft and is not persisted.
// Slot columns are never written here.
func (s *Service) SaveOrder(ctx context.Context, id uuid.UUID, f OrderFields) (*MedicationOrder, error) {
	f.DrugName = strings.TrimSpace(f.DrugName)
	if f.Route == "" {
		f.Route = RouteOral
	}
	if !f.Route.Valid() {
		return nil, &ValidationError{Field: "route", Msg: "invalid route: " + string(f.Route)}
	}

	if id == uuid.Nil {
		if f.DrugName == "" {
			return nil, ErrDraftOrder
		}
		if f.ResidentID == uuid.Nil {
			return nil, &ValidationError{Field: "resident_id", Msg: "resident_id is required"}
		}
		if f.Date.IsZero() {
			return nil, &ValidationError{Field: "date", Msg: "date is required"}
		}
		f.Date = DayOf(f.Date, time.UTC)
	} else if f.DrugName == "" {
		return nil, &ValidationError{Field: "drug_name", Msg: "drug name cannot be cleared"}
	}

	var saved uuid.UUID
	err := s.persist(ctx, "upsert_order_fields", func(ctx context.Context) error {
		var err error
		saved, err = s.orders.UpsertOrderFields(ctx, id, f)
		return err
	})
	if errors.Is(err, ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, s.storageFault("save order", err)
	}
	return s.loadOrder(ctx, saved)
}

// SetFourthDose enables or disables slot 4 of an order. Disabling is refused
// while slot 4 has a time or a stamp.
func (s *Service) SetFourthDose(ctx context.Context, id uuid.UUID, enabled bool) (*MedicationOrder, error) {
	o, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.FourthDoseEnabled == enabled {
		return o, nil
	}
	inUse := &ValidationError{Field: "fourth_dose_enabled", Msg: "slot 4 is in use and cannot be disabled"}
	fourth := o.Slots[SlotCount-1]
	if !enabled && (fourth.HasTime() || fourth.IsVerified()) {
		return nil, inUse
	}

	err = s.persist(ctx, "set_fourth_dose", func(ctx context.Context) error {
		return s.orders.SetFourthDose(ctx, id, enabled)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleSlot):
		return nil, inUse
	case errors.Is(err, ErrOrderNotFound):
		return nil, ErrOrderNotFound
	default:
		return nil, s.storageFault("set fourth dose", err)
	}
	return s.loadOrder(ctx, id)
}

// LoadDay returns the orders of one resident on one facility day.
func (s *Service) LoadDay(ctx context.Context, residentID uuid.UUID, date time.Time) ([]*MedicationOrder, error) {
	var orders []*MedicationOrder
	err := s.persist(ctx, "load_orders", func(ctx context.Context) error {
		var err error
		orders, err = s.orders.LoadOrders(ctx, residentID, DayOf(date, time.UTC))
		return err
	})
	if err != nil {
		return nil, s.storageFault("load day", err)
	}
	return orders, nil
}

// FourthDoseActive reports whether any of the orders uses slot 4.
func FourthDoseActive(orders []*MedicationOrder) bool {
	for _, o := range orders {
		if o.FourthDoseEnabled {
			return true
		}
	}
	return false
}
