package mar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mar/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *orderRepoPG) scanOrder(row pgx.Row) (*MedicationOrder, error) {
	var o MedicationOrder
	var route string
	var raw [SlotCount]slotRow
	dest := []interface{}{&o.ID, &o.ResidentID, &o.Date, &o.DrugName, &o.Dose, &route, &o.Notes, &o.FourthDoseEnabled}
	for i := range raw {
		dest = append(dest, &raw[i].time, &raw[i].checker, &raw[i].checkTime, &raw[i].status)
	}
	dest = append(dest, &o.CreatedAt, &o.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	o.Route = Route(route)
	for i := range raw {
		o.Slots[i] = raw[i].toSlot(i + 1)
	}
	return &o, nil
}

func (r *orderRepoPG) queryOrders(ctx context.Context, sql string, args ...interface{}) ([]*MedicationOrder, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MedicationOrder
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *orderRepoPG) LoadOrders(ctx context.Context, residentID uuid.UUID, date time.Time) ([]*MedicationOrder, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM medication_log
		WHERE resident_id = $1 AND date = $2 ORDER BY created_at, id`, residentID, date)
}

func (r *orderRepoPG) ListOrdersBetween(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*MedicationOrder, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM medication_log
		WHERE resident_id = $1 AND date BETWEEN $2 AND $3 ORDER BY date, created_at, id`, residentID, from, to)
}

func (r *orderRepoPG) ListOrdersForDate(ctx context.Context, date time.Time) ([]*MedicationOrder, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM medication_log
		WHERE date = $1 ORDER BY resident_id, created_at, id`, date)
}

func (r *orderRepoPG) GetOrder(ctx context.Context, id uuid.UUID) (*MedicationOrder, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM medication_log WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (r *orderRepoPG) UpsertOrderFields(ctx context.Context, id uuid.UUID, f OrderFields) (uuid.UUID, error) {
	if id == uuid.Nil {
		id = uuid.New()
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO medication_log (id, resident_id, date, medicamento, dosis, via, observacion)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, f.ResidentID, f.Date, f.DrugName, f.Dose, string(f.Route), f.Notes)
		if err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_log SET medicamento = $2, dosis = $3, via = $4, observacion = $5, updated_at = NOW()
		WHERE id = $1`,
		id, f.DrugName, f.Dose, string(f.Route), f.Notes)
	if err != nil {
		return uuid.Nil, err
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrOrderNotFound
	}
	return id, nil
}

// SetFourthDose refuses to disable slot 4 while it holds a time or a stamp.
func (r *orderRepoPG) SetFourthDose(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_log SET dose4_enabled = $2, updated_at = NOW()
		WHERE id = $1 AND ($2 OR (dose4_time IS NULL AND dose4_checker IS NULL))`,
		id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, id)
	}
	return nil
}

func (r *orderRepoPG) UpdateDoseVerification(ctx context.Context, orderID uuid.UUID, slot int, expected, next Verification, ev *VerificationEvent) error {
	q := fmt.Sprintf(`
		UPDATE medication_log SET %[1]s = $2, %[2]s = $3, %[3]s = $4, updated_at = NOW()
		WHERE id = $1
		  AND %[1]s IS NOT DISTINCT FROM $5
		  AND %[2]s IS NOT DISTINCT FROM $6
		  AND %[3]s = $7
		  AND (NOT $8 OR %[4]s IS NOT NULL)`,
		slotColumn(slot, "checker"), slotColumn(slot, "check_time"), slotColumn(slot, "status"), slotColumn(slot, "time"))

	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, q, orderID,
			next.Checker, next.CheckTime, next.Status,
			expected.Checker, expected.CheckTime, expected.Status,
			next.Status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.missOrStale(ctx, orderID)
		}
		return r.insertEvent(ctx, ev)
	})
}

func (r *orderRepoPG) UpdateDoseTime(ctx context.Context, orderID uuid.UUID, slot int, expected Verification, scheduled *ClockTime, ev *VerificationEvent) error {
	q := fmt.Sprintf(`
		UPDATE medication_log SET %[1]s = $2, updated_at = NOW()
		WHERE id = $1
		  AND %[2]s IS NOT DISTINCT FROM $3
		  AND %[3]s IS NOT DISTINCT FROM $4
		  AND %[4]s = $5
		  AND ($2::text IS NOT NULL OR %[2]s IS NULL)`,
		slotColumn(slot, "time"), slotColumn(slot, "checker"), slotColumn(slot, "check_time"), slotColumn(slot, "status"))

	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, q, orderID, clockString(scheduled),
			expected.Checker, expected.CheckTime, expected.Status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.missOrStale(ctx, orderID)
		}
		return r.insertEvent(ctx, ev)
	})
}

func (r *orderRepoPG) missOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM medication_log WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrStaleSlot
}

func (r *orderRepoPG) insertEvent(ctx context.Context, ev *VerificationEvent) error {
	if ev == nil {
		return nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_log_event (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.OrderID, ev.Slot, ev.Action, ev.ActorID, string(ev.ActorRole),
		ev.PreviousChecker, ev.PreviousCheckTime, clockString(ev.ScheduledTime), ev.OccurredAt)
	return err
}

func (r *orderRepoPG) ListEvents(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*VerificationEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication_log_event WHERE order_id = $1`, orderID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventColumns+` FROM medication_log_event
		WHERE order_id = $1 ORDER BY occurred_at, id LIMIT $2 OFFSET $3`, orderID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*VerificationEvent
	for rows.Next() {
		var ev VerificationEvent
		var role string
		var scheduled *string
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.Slot, &ev.Action, &ev.ActorID, &role,
			&ev.PreviousChecker, &ev.PreviousCheckTime, &scheduled, &ev.OccurredAt); err != nil {
			return nil, 0, err
		}
		ev.ActorRole = Role(role)
		ev.ScheduledTime = clockFromString(scheduled)
		items = append(items, &ev)
	}
	return items, total, rows.Err()
}
