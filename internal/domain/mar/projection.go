package mar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// History returns the resident's orders for the days ending at through
// (inclusive), one DayRecord per day in ascending order. Days without orders
// are present with an empty list. Slots are reported exactly as stored.
func (s *Service) History(ctx context.Context, residentID uuid.UUID, through time.Time, days int) ([]DayRecord, error) {
	if days == 0 {
		days = s.auditDays
	}
	if days < 0 || days > MaxAuditDays {
		return nil, &ValidationError{Field: "days", Msg: fmt.Sprintf("days must be between 1 and %d", MaxAuditDays)}
	}

	to := DayOf(through, time.UTC)
	from := to.AddDate(0, 0, -(days - 1))

	var orders []*MedicationOrder
	err := s.persist(ctx, "list_orders_between", func(ctx context.Context) error {
		var err error
		orders, err = s.orders.ListOrdersBetween(ctx, residentID, from, to)
		return err
	})
	if err != nil {
		return nil, s.storageFault("load history", err)
	}

	byDay := make(map[string][]*MedicationOrder, days)
	for _, o := range orders {
		key := o.Date.Format(DateLayout)
		byDay[key] = append(byDay[key], o)
	}

	records := make([]DayRecord, 0, days)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		key := d.Format(DateLayout)
		dayOrders := byDay[key]
		if dayOrders == nil {
			dayOrders = []*MedicationOrder{}
		}
		records = append(records, DayRecord{Date: key, Orders: dayOrders})
	}
	return records, nil
}

// Events returns one page of the verification journal of an order, oldest
// first, and the total number of entries.
func (s *Service) Events(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*VerificationEvent, int, error) {
	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return nil, 0, err
	}
	var events []*VerificationEvent
	var total int
	err := s.persist(ctx, "list_events", func(ctx context.Context) error {
		var err error
		events, total, err = s.orders.ListEvents(ctx, orderID, limit, offset)
		return err
	})
	if errors.Is(err, ErrOrderNotFound) {
		return nil, 0, ErrOrderNotFound
	}
	if err != nil {
		return nil, 0, s.storageFault("list events", err)
	}
	return events, total, nil
}
