package mar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// sqliteTimeLayout keeps check times at microsecond precision with a fixed
// width so stored values compare equal as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore is the embedded single-node OrderRepository. Writes are
// serialized on one connection; slot writes stay conditional.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "mar.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	s := &SQLiteStore{db: conn}
	if err := s.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS medication_log (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		date TEXT NOT NULL,
		medicamento TEXT NOT NULL CHECK (length(medicamento) > 0),
		dosis TEXT,
		via TEXT NOT NULL DEFAULT 'oral',
		observacion TEXT,
		dose4_enabled INTEGER NOT NULL DEFAULT 0,`)
	for n := 1; n <= SlotCount; n++ {
		fmt.Fprintf(&b, "\n\t\t%s TEXT,\n\t\t%s TEXT,\n\t\t%s TEXT,\n\t\t%s INTEGER NOT NULL DEFAULT 0,",
			slotColumn(n, "time"), slotColumn(n, "checker"), slotColumn(n, "check_time"), slotColumn(n, "status"))
	}
	b.WriteString(`
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)

	stmts := []string{
		b.String(),
		`CREATE INDEX IF NOT EXISTS idx_medication_log_resident_date ON medication_log (resident_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_medication_log_date ON medication_log (date)`,
		`CREATE TABLE IF NOT EXISTS medication_log_event (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES medication_log(id),
			slot INTEGER NOT NULL,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			previous_checker TEXT,
			previous_check_time TEXT,
			scheduled_time TEXT,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_medication_log_event_order ON medication_log_event (order_id, occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond).Format(sqliteTimeLayout)
	return &v
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s.String)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", s.String, err)
		}
	}
	t = t.UTC()
	return &t, nil
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanOrder(row rowScanner) (*MedicationOrder, error) {
	var (
		o                    MedicationOrder
		id, resident, date   string
		route                string
		dose, notes          sql.NullString
		created, updated     string
		times, checkers, cts [SlotCount]sql.NullString
		statuses             [SlotCount]bool
	)
	dest := []interface{}{&id, &resident, &date, &o.DrugName, &dose, &route, &notes, &o.FourthDoseEnabled}
	for i := 0; i < SlotCount; i++ {
		dest = append(dest, &times[i], &checkers[i], &cts[i], &statuses[i])
	}
	dest = append(dest, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	if o.ResidentID, err = uuid.Parse(resident); err != nil {
		return nil, fmt.Errorf("parse resident_id: %w", err)
	}
	if o.Date, err = time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("parse date: %w", err)
	}
	o.Route = Route(route)
	o.Dose = nullStr(dose)
	o.Notes = nullStr(notes)
	for i := 0; i < SlotCount; i++ {
		ct, err := parseTime(cts[i])
		if err != nil {
			return nil, err
		}
		o.Slots[i] = slotRow{time: nullStr(times[i]), checker: nullStr(checkers[i]), checkTime: ct, status: statuses[i]}.toSlot(i + 1)
	}
	if ts, err := parseTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
		o.CreatedAt = *ts
	}
	if ts, err := parseTime(sql.NullString{String: updated, Valid: true}); err == nil && ts != nil {
		o.UpdatedAt = *ts
	}
	return &o, nil
}

func (s *SQLiteStore) queryOrders(ctx context.Context, q string, args ...interface{}) ([]*MedicationOrder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []*MedicationOrder
	for rows.Next() {
		o, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) LoadOrders(ctx context.Context, residentID uuid.UUID, date time.Time) ([]*MedicationOrder, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM medication_log
		WHERE resident_id = ? AND date = ? ORDER BY created_at, id`, residentID.String(), date.Format(DateLayout))
}

func (s *SQLiteStore) ListOrdersBetween(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*MedicationOrder, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM medication_log
		WHERE resident_id = ? AND date BETWEEN ? AND ? ORDER BY date, created_at, id`,
		residentID.String(), from.Format(DateLayout), to.Format(DateLayout))
}

func (s *SQLiteStore) ListOrdersForDate(ctx context.Context, date time.Time) ([]*MedicationOrder, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM medication_log
		WHERE date = ? ORDER BY resident_id, created_at, id`, date.Format(DateLayout))
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id uuid.UUID) (*MedicationOrder, error) {
	o, err := s.scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM medication_log WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (s *SQLiteStore) UpsertOrderFields(ctx context.Context, id uuid.UUID, f OrderFields) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowText()

	if id == uuid.Nil {
		id = uuid.New()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO medication_log (id, resident_id, date, medicamento, dosis, via, observacion, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.String(), f.ResidentID.String(), f.Date.Format(DateLayout), f.DrugName, f.Dose, string(f.Route), f.Notes, now, now)
		if err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE medication_log SET medicamento = ?, dosis = ?, via = ?, observacion = ?, updated_at = ?
		WHERE id = ?`,
		f.DrugName, f.Dose, string(f.Route), f.Notes, now, id.String())
	if err != nil {
		return uuid.Nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return uuid.Nil, err
	} else if n == 0 {
		return uuid.Nil, ErrOrderNotFound
	}
	return id, nil
}

func (s *SQLiteStore) SetFourthDose(ctx context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE medication_log SET dose4_enabled = ?, updated_at = ?
		WHERE id = ? AND (? OR (dose4_time IS NULL AND dose4_checker IS NULL))`,
		enabled, nowText(), id.String(), enabled)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, s.db, res, id)
}

func (s *SQLiteStore) UpdateDoseVerification(ctx context.Context, orderID uuid.UUID, slot int, expected, next Verification, ev *VerificationEvent) error {
	q := fmt.Sprintf(`
		UPDATE medication_log SET %[1]s = ?, %[2]s = ?, %[3]s = ?, updated_at = ?
		WHERE id = ? AND %[1]s IS ? AND %[2]s IS ? AND %[3]s = ? AND (NOT ? OR %[4]s IS NOT NULL)`,
		slotColumn(slot, "checker"), slotColumn(slot, "check_time"), slotColumn(slot, "status"), slotColumn(slot, "time"))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			next.Checker, formatTime(next.CheckTime), next.Status, nowText(),
			orderID.String(), expected.Checker, formatTime(expected.CheckTime), expected.Status, next.Status)
		if err != nil {
			return err
		}
		if err := s.checkAffected(ctx, tx, res, orderID); err != nil {
			return err
		}
		return insertEventSQL(ctx, tx, ev)
	})
}

func (s *SQLiteStore) UpdateDoseTime(ctx context.Context, orderID uuid.UUID, slot int, expected Verification, scheduled *ClockTime, ev *VerificationEvent) error {
	q := fmt.Sprintf(`
		UPDATE medication_log SET %[1]s = ?, updated_at = ?
		WHERE id = ? AND %[2]s IS ? AND %[3]s IS ? AND %[4]s = ? AND (? OR %[2]s IS NULL)`,
		slotColumn(slot, "time"), slotColumn(slot, "checker"), slotColumn(slot, "check_time"), slotColumn(slot, "status"))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			clockString(scheduled), nowText(),
			orderID.String(), expected.Checker, formatTime(expected.CheckTime), expected.Status, scheduled != nil)
		if err != nil {
			return err
		}
		if err := s.checkAffected(ctx, tx, res, orderID); err != nil {
			return err
		}
		return insertEventSQL(ctx, tx, ev)
	})
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) checkAffected(ctx context.Context, q sqlQuerier, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM medication_log WHERE id = ?)`, id.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrStaleSlot
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEventSQL(ctx context.Context, tx *sql.Tx, ev *VerificationEvent) error {
	if ev == nil {
		return nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO medication_log_event (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.OrderID.String(), ev.Slot, ev.Action, ev.ActorID, string(ev.ActorRole),
		ev.PreviousChecker, formatTime(ev.PreviousCheckTime), clockString(ev.ScheduledTime), *formatTime(&ev.OccurredAt))
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*VerificationEvent, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM medication_log_event WHERE order_id = ?`, orderID.String()).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM medication_log_event
		WHERE order_id = ? ORDER BY occurred_at, id LIMIT ? OFFSET ?`, orderID.String(), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var items []*VerificationEvent
	for rows.Next() {
		var (
			ev                  VerificationEvent
			id, order, role     string
			prevChecker, prevAt sql.NullString
			scheduled           sql.NullString
			occurred            string
		)
		if err := rows.Scan(&id, &order, &ev.Slot, &ev.Action, &ev.ActorID, &role,
			&prevChecker, &prevAt, &scheduled, &occurred); err != nil {
			return nil, 0, err
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("parse event id: %w", err)
		}
		if ev.OrderID, err = uuid.Parse(order); err != nil {
			return nil, 0, fmt.Errorf("parse order id: %w", err)
		}
		ev.ActorRole = Role(role)
		ev.PreviousChecker = nullStr(prevChecker)
		if ev.PreviousCheckTime, err = parseTime(prevAt); err != nil {
			return nil, 0, err
		}
		ev.ScheduledTime = clockFromString(nullStr(scheduled))
		at, err := parseTime(sql.NullString{String: occurred, Valid: true})
		if err != nil {
			return nil, 0, err
		}
		if at != nil {
			ev.OccurredAt = *at
		}
		items = append(items, &ev)
	}
	return items, total, rows.Err()
}

func nowText() string {
	return time.Now().UTC().Truncate(time.Microsecond).Format(sqliteTimeLayout)
}
