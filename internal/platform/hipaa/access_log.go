// Package hipaa keeps the access log of medication administration records:
// who read or changed which resident's MAR, when, and with what result.
package hipaa

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mar/internal/platform/db"
	"github.com/ehr/mar/internal/platform/middleware"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
	// DefaultMemoryCapacity bounds the in-memory log; the oldest entries go first.
	DefaultMemoryCapacity = 10000
)

// AccessRecord is one persisted access to MAR data (table mar_access_log).
type AccessRecord struct {
	ID         uuid.UUID `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	UserID     string    `json:"user_id"`
	UserRoles  []string  `json:"user_roles"`
	FacilityID string    `json:"facility_id,omitempty"`
	ResidentID string    `json:"resident_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Slot       int       `json:"slot,omitempty"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	AccessedAt time.Time `json:"accessed_at"`
}

// RecordFromEntry converts an audit middleware entry into a log record.
func RecordFromEntry(e middleware.AuditEntry) *AccessRecord {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	roles := e.UserRoles
	if roles == nil {
		roles = []string{}
	}
	return &AccessRecord{
		RequestID:  e.RequestID,
		UserID:     e.UserID,
		UserRoles:  roles,
		FacilityID: e.FacilityID,
		ResidentID: e.ResidentID,
		OrderID:    e.OrderID,
		Slot:       e.Slot,
		Action:     e.Action,
		Method:     e.Method,
		Path:       e.Path,
		StatusCode: e.StatusCode,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		AccessedAt: at,
	}
}

// AccessQuery filters a search of the access log. Zero fields match all.
type AccessQuery struct {
	UserID     string
	ResidentID string
	OrderID    string
	Action     string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

func (q *AccessQuery) applyDefaults() {
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func (q AccessQuery) matches(r *AccessRecord) bool {
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.ResidentID != "" && r.ResidentID != q.ResidentID {
		return false
	}
	if q.OrderID != "" && r.OrderID != q.OrderID {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.From != nil && r.AccessedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && r.AccessedAt.After(*q.To) {
		return false
	}
	return true
}

// AccessLog records MAR accesses and searches them, newest first.
type AccessLog interface {
	middleware.AuditRecorder
	Search(ctx context.Context, q AccessQuery) ([]*AccessRecord, int, error)
}

// ---------------------------------------------------------------------------
// Postgres
// ---------------------------------------------------------------------------

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGAccessLog writes the access log to the mar_access_log table of the
// facility schema.
type PGAccessLog struct {
	pool *pgxpool.Pool
}

func NewPGAccessLog(pool *pgxpool.Pool) *PGAccessLog {
	return &PGAccessLog{pool: pool}
}

// withConn runs fn on the facility connection from context when present,
// falling back to pool.Acquire.
func (l *PGAccessLog) withConn(ctx context.Context, fn func(q querier) error) error {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return fn(conn)
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("access log: acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// RecordAccess implements middleware.AuditRecorder.
func (l *PGAccessLog) RecordAccess(ctx context.Context, entry middleware.AuditEntry) error {
	r := RecordFromEntry(entry)
	const query = `
		INSERT INTO mar_access_log (
			request_id, user_id, user_roles, facility_id, resident_id, order_id, slot,
			action, method, path, status_code, ip_address, user_agent, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	return l.withConn(ctx, func(q querier) error {
		_, err := q.Exec(ctx, query,
			r.RequestID, r.UserID, r.UserRoles, r.FacilityID, r.ResidentID, r.OrderID, r.Slot,
			r.Action, r.Method, r.Path, r.StatusCode, r.IPAddress, r.UserAgent, r.AccessedAt)
		return err
	})
}

// buildAccessFilter renders the WHERE clause of q with positional args.
func buildAccessFilter(q AccessQuery) (string, []any) {
	var clauses []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.ResidentID != "" {
		add("resident_id = $%d", q.ResidentID)
	}
	if q.OrderID != "" {
		add("order_id = $%d", q.OrderID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.From != nil {
		add("accessed_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("accessed_at <= $%d", *q.To)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (l *PGAccessLog) Search(ctx context.Context, q AccessQuery) ([]*AccessRecord, int, error) {
	q.applyDefaults()
	where, args := buildAccessFilter(q)

	var items []*AccessRecord
	var total int
	err := l.withConn(ctx, func(conn querier) error {
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM mar_access_log`+where, args...).Scan(&total); err != nil {
			return err
		}
		page := append(args, q.Limit, q.Offset)
		rows, err := conn.Query(ctx, fmt.Sprintf(`
			SELECT id, request_id, user_id, user_roles, facility_id, resident_id, order_id, slot,
				action, method, path, status_code, ip_address, user_agent, accessed_at
			FROM mar_access_log%s
			ORDER BY accessed_at DESC, id
			LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2), page...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r AccessRecord
			if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.UserRoles, &r.FacilityID,
				&r.ResidentID, &r.OrderID, &r.Slot, &r.Action, &r.Method, &r.Path,
				&r.StatusCode, &r.IPAddress, &r.UserAgent, &r.AccessedAt); err != nil {
				return err
			}
			items = append(items, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("search access log: %w", err)
	}
	return items, total, nil
}

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

// MemoryAccessLog keeps the newest capacity records in memory. It serves the
// embedded SQLite deployment and tests.
type MemoryAccessLog struct {
	mu       sync.RWMutex
	records  []*AccessRecord
	capacity int
}

func NewMemoryAccessLog(capacity int) *MemoryAccessLog {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryAccessLog{capacity: capacity}
}

func (l *MemoryAccessLog) RecordAccess(_ context.Context, entry middleware.AuditEntry) error {
	r := RecordFromEntry(entry)
	r.ID = uuid.New()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	if over := len(l.records) - l.capacity; over > 0 {
		l.records = append([]*AccessRecord(nil), l.records[over:]...)
	}
	return nil
}

func (l *MemoryAccessLog) Search(_ context.Context, q AccessQuery) ([]*AccessRecord, int, error) {
	q.applyDefaults()

	l.mu.RLock()
	var matched []*AccessRecord
	for _, r := range l.records {
		if q.matches(r) {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].AccessedAt.After(matched[j].AccessedAt)
	})
	total := len(matched)
	if q.Offset >= total {
		return []*AccessRecord{}, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}

// Len returns the number of records held.
func (l *MemoryAccessLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
