package mar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SlotCount is the number of dose slots every order row carries.
const SlotCount = 4

// DateLayout is the wire and storage layout of a facility day.
const DateLayout = "2006-01-02"

// Route is the administration route of a medication order (column "via").
type Route string

const (
	RouteOral          Route = "oral"
	RouteIntramuscular Route = "intramuscular"
	RouteIntravenous   Route = "intravenous"
	RouteSubcutaneous  Route = "subcutaneous"
	RouteOphthalmic    Route = "ophthalmic"
	RouteOther         Route = "other"
)

var validRoutes = map[Route]bool{
	RouteOral: true, RouteIntramuscular: true, RouteIntravenous: true,
	RouteSubcutaneous: true, RouteOphthalmic: true, RouteOther: true,
}

// Valid reports whether r is one of the enumerated routes.
func (r Route) Valid() bool {
	return validRoutes[r]
}

// Role is the role an actor acts under.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleNurse Role = "nurse"
	RoleOther Role = "other"
)

// Actor is the nurse or administrator performing an action.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the actor holds the universal override.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ActorFromRoles picks the most privileged MAR role out of a token's role list.
func ActorFromRoles(userID string, roles []string) Actor {
	role := RoleOther
	for _, r := range roles {
		switch Role(r) {
		case RoleAdmin:
			return Actor{UserID: userID, Role: RoleAdmin}
		case RoleNurse:
			role = RoleNurse
		}
	}
	return Actor{UserID: userID, Role: role}
}

// ClockTime is a time of day in 24h "HH:MM" form.
type ClockTime string

// ParseClockTime normalizes "8:05" or "08:05" into a ClockTime.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 ||
		!allDigits(parts[0]) || !allDigits(parts[1]) {
		return "", fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime(fmt.Sprintf("%02d:%02d", h, m)), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (c ClockTime) String() string {
	return string(c)
}

// DoseSlot is one scheduled administration of an order on its day.
type DoseSlot struct {
	Number        int        `json:"number"`
	ScheduledTime *ClockTime `json:"scheduled_time,omitempty"`
	Checked       bool       `json:"checked"`
	VerifiedBy    *string    `json:"verified_by,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}

// IsVerified reports whether the slot carries a verification stamp.
// The stamp, not Checked, is authoritative.
func (s DoseSlot) IsVerified() bool {
	return s.VerifiedBy != nil
}

// HasTime reports whether the slot is active (has a scheduled time).
func (s DoseSlot) HasTime() bool {
	return s.ScheduledTime != nil && *s.ScheduledTime != ""
}

// Consistent reports whether checked, verifiedBy and verifiedAt agree.
func (s DoseSlot) Consistent() bool {
	return s.Checked == (s.VerifiedBy != nil) && s.Checked == (s.VerifiedAt != nil)
}

// Verification returns the persisted verification triple of the slot.
func (s DoseSlot) Verification() Verification {
	return Verification{Checker: s.VerifiedBy, CheckTime: s.VerifiedAt, Status: s.Checked}
}

// withVerification returns a copy of s carrying v.
func (s DoseSlot) withVerification(v Verification) DoseSlot {
	s.VerifiedBy = v.Checker
	s.VerifiedAt = v.CheckTime
	s.Checked = v.Status
	return s
}

// Verification is the {checker, checkTime, status} triple stored per slot.
// It doubles as the concurrency token of conditional slot writes.
type Verification struct {
	Checker   *string    `json:"checker,omitempty"`
	CheckTime *time.Time `json:"check_time,omitempty"`
	Status    bool       `json:"status"`
}

// Verified builds the triple for a verification by actor at now.
func Verified(actor Actor, now time.Time) Verification {
	who := actor.UserID
	at := now.UTC().Truncate(time.Microsecond)
	return Verification{Checker: &who, CheckTime: &at, Status: true}
}

// Equal compares two triples by value. Check times compare at microsecond
// precision, the resolution both stores keep.
func (v Verification) Equal(o Verification) bool {
	if v.Status != o.Status {
		return false
	}
	if (v.Checker == nil) != (o.Checker == nil) || (v.Checker != nil && *v.Checker != *o.Checker) {
		return false
	}
	if (v.CheckTime == nil) != (o.CheckTime == nil) {
		return false
	}
	if v.CheckTime != nil && !v.CheckTime.Truncate(time.Microsecond).Equal(o.CheckTime.Truncate(time.Microsecond)) {
		return false
	}
	return true
}

// MedicationOrder maps to one medication_log row: one medication entry of
// one resident on one day.
type MedicationOrder struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	ResidentID        uuid.UUID           `db:"resident_id" json:"resident_id"`
	Date              time.Time           `db:"date" json:"date"`
	DrugName          string              `db:"medicamento" json:"drug_name"`
	Dose              *string             `db:"dosis" json:"dose,omitempty"`
	Route             Route               `db:"via" json:"route"`
	Notes             *string             `db:"observacion" json:"notes,omitempty"`
	FourthDoseEnabled bool                `db:"dose4_enabled" json:"fourth_dose_enabled"`
	Slots             [SlotCount]DoseSlot `json:"slots"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

// Slot returns a pointer to slot n (1-based) of the order.
func (o *MedicationOrder) Slot(n int) (*DoseSlot, error) {
	if n < 1 || n > SlotCount {
		return nil, &ValidationError{Field: "slot", Msg: fmt.Sprintf("slot must be between 1 and %d", SlotCount)}
	}
	if n == SlotCount && !o.FourthDoseEnabled {
		return nil, &ValidationError{Field: "slot", Msg: "fourth dose is not enabled for this order"}
	}
	return &o.Slots[n-1], nil
}

// ActiveSlots returns slots 1-3, plus slot 4 when enabled.
func (o *MedicationOrder) ActiveSlots() []DoseSlot {
	if o.FourthDoseEnabled {
		return o.Slots[:]
	}
	return o.Slots[:SlotCount-1]
}

// Clone returns a deep copy of the order.
func (o *MedicationOrder) Clone() *MedicationOrder {
	c := *o
	c.Dose = cloneStr(o.Dose)
	c.Notes = cloneStr(o.Notes)
	for i := range c.Slots {
		c.Slots[i] = o.Slots[i].clone()
	}
	return &c
}

func (s DoseSlot) clone() DoseSlot {
	if s.ScheduledTime != nil {
		t := *s.ScheduledTime
		s.ScheduledTime = &t
	}
	s.VerifiedBy = cloneStr(s.VerifiedBy)
	if s.VerifiedAt != nil {
		at := *s.VerifiedAt
		s.VerifiedAt = &at
	}
	return s
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// newOrderSlots numbers the slots of a freshly scanned or created order.
func newOrderSlots() [SlotCount]DoseSlot {
	var slots [SlotCount]DoseSlot
	for i := range slots {
		slots[i].Number = i + 1
	}
	return slots
}

// OrderFields carries the non-verification columns of an order row.
type OrderFields struct {
	ResidentID uuid.UUID `json:"resident_id"`
	Date       time.Time `json:"-"`
	DrugName   string    `json:"drug_name"`
	Dose       *string   `json:"dose,omitempty"`
	Route      Route     `json:"route"`
	Notes      *string   `json:"notes,omitempty"`
}

// Event actions recorded in the verification journal.
const (
	ActionVerify   = "verify"
	ActionUnverify = "unverify"
	ActionSetTime  = "set_time"
)

// VerificationEvent maps to the medication_log_event table. Rows are
// append-only and survive an unverify of the slot they describe.
type VerificationEvent struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	OrderID           uuid.UUID  `db:"order_id" json:"order_id"`
	Slot              int        `db:"slot" json:"slot"`
	Action            string     `db:"action" json:"action"`
	ActorID           string     `db:"actor_id" json:"actor_id"`
	ActorRole         Role       `db:"actor_role" json:"actor_role"`
	PreviousChecker   *string    `db:"previous_checker" json:"previous_checker,omitempty"`
	PreviousCheckTime *time.Time `db:"previous_check_time" json:"previous_check_time,omitempty"`
	ScheduledTime     *ClockTime `db:"scheduled_time" json:"scheduled_time,omitempty"`
	OccurredAt        time.Time  `db:"occurred_at" json:"occurred_at"`
}

// DayRecord is one day of the audit projection.
type DayRecord struct {
	Date   string             `json:"date"`
	Orders []*MedicationOrder `json:"orders"`
}

// DayOf truncates t to its calendar day in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
