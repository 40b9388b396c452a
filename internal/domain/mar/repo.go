package mar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderRepository is the clinical record store contract consumed by the
// engine. Slot writes are conditional: they succeed only when the slot's
// stored verification triple still equals expected, and return ErrStaleSlot
// otherwise. Each slot write touches only that slot's columns and appends
// a VerificationEvent in the same transaction.
type OrderRepository interface {
	LoadOrders(ctx context.Context, residentID uuid.UUID, date time.Time) ([]*MedicationOrder, error)
	ListOrdersBetween(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*MedicationOrder, error)
	ListOrdersForDate(ctx context.Context, date time.Time) ([]*MedicationOrder, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*MedicationOrder, error)
	// UpsertOrderFields inserts a new row when id is uuid.Nil and returns
	// its id; otherwise updates the descriptive columns of row id.
	UpsertOrderFields(ctx context.Context, id uuid.UUID, fields OrderFields) (uuid.UUID, error)
	SetFourthDose(ctx context.Context, id uuid.UUID, enabled bool) error
	UpdateDoseVerification(ctx context.Context, orderID uuid.UUID, slot int, expected, next Verification, ev *VerificationEvent) error
	UpdateDoseTime(ctx context.Context, orderID uuid.UUID, slot int, expected Verification, scheduled *ClockTime, ev *VerificationEvent) error
	ListEvents(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*VerificationEvent, int, error)
}

// slotColumn names one column of slot n, e.g. slotColumn(2, "checker") is
// "dose2_checker". n must already be validated.
func slotColumn(n int, field string) string {
	return fmt.Sprintf("dose%d_%s", n, field)
}

// orderColumns lists the medication_log columns in scan order.
var orderColumns = func() string {
	cols := []string{"id", "resident_id", "date", "medicamento", "dosis", "via", "observacion", "dose4_enabled"}
	for n := 1; n <= SlotCount; n++ {
		cols = append(cols, slotColumn(n, "time"), slotColumn(n, "checker"), slotColumn(n, "check_time"), slotColumn(n, "status"))
	}
	cols = append(cols, "created_at", "updated_at")
	return strings.Join(cols, ", ")
}()

const eventColumns = `id, order_id, slot, action, actor_id, actor_role,
	previous_checker, previous_check_time, scheduled_time, occurred_at`

// slotRow holds the raw column values of one slot as scanned from a row.
type slotRow struct {
	time      *string
	checker   *string
	checkTime *time.Time
	status    bool
}

func (r slotRow) toSlot(n int) DoseSlot {
	s := DoseSlot{Number: n, Checked: r.status, VerifiedBy: r.checker, VerifiedAt: r.checkTime}
	if r.time != nil && *r.time != "" {
		ct := ClockTime(*r.time)
		s.ScheduledTime = &ct
	}
	if s.VerifiedAt != nil {
		at := s.VerifiedAt.UTC()
		s.VerifiedAt = &at
	}
	return s
}

func clockString(c *ClockTime) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

func clockFromString(s *string) *ClockTime {
	if s == nil || *s == "" {
		return nil
	}
	c := ClockTime(*s)
	return &c
}
