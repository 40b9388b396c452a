package mar

import "time"

// DefaultLockWindow is the self-correction window after an actor's own
// verification.
const DefaultLockWindow = 2 * time.Hour

// LockRule identifies which rule of the lock policy decided a request.
type LockRule string

const (
	RuleUnverified      LockRule = "unverified"
	RuleAdminOverride   LockRule = "admin_override"
	RuleForeignVerifier LockRule = "foreign_verifier"
	RuleOwnWindow       LockRule = "own_window"
	RuleWindowExpired   LockRule = "window_expired"
)

// Decision is the outcome of evaluating the lock policy for one slot.
type Decision struct {
	Allowed    bool
	Rule       LockRule
	VerifiedBy string
	VerifiedAt time.Time
}

// LockPolicy decides whether an actor may alter a dose slot. It holds no
// clock: callers pass now explicitly.
type LockPolicy struct {
	Window time.Duration
}

// NewLockPolicy returns a policy with the given window, falling back to
// DefaultLockWindow for non-positive values.
func NewLockPolicy(window time.Duration) LockPolicy {
	if window <= 0 {
		window = DefaultLockWindow
	}
	return LockPolicy{Window: window}
}

func (p LockPolicy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultLockWindow
	}
	return p.Window
}

// Evaluate applies the rules in order:
//
//  1. an unverified slot may be checked by anyone with write access;
//  2. a slot verified by someone else is locked;
//  3. the verifier may amend their own stamp until the window has elapsed
//     (elapsed == window is still inside);
//  4. admin overrides 2 and 3.
func (p LockPolicy) Evaluate(slot DoseSlot, actor Actor, now time.Time) Decision {
	if !slot.IsVerified() {
		return Decision{Allowed: true, Rule: RuleUnverified}
	}

	d := Decision{VerifiedBy: *slot.VerifiedBy}
	if slot.VerifiedAt != nil {
		d.VerifiedAt = *slot.VerifiedAt
	}

	switch {
	case actor.IsAdmin():
		d.Allowed, d.Rule = true, RuleAdminOverride
	case d.VerifiedBy != actor.UserID:
		d.Allowed, d.Rule = false, RuleForeignVerifier
	case slot.VerifiedAt == nil || now.Sub(d.VerifiedAt) > p.window():
		d.Allowed, d.Rule = false, RuleWindowExpired
	default:
		d.Allowed, d.Rule = true, RuleOwnWindow
	}
	return d
}

// CanMutate reports whether actor may check, uncheck or re-time slot at now.
func (p LockPolicy) CanMutate(slot DoseSlot, actor Actor, now time.Time) bool {
	return p.Evaluate(slot, actor, now).Allowed
}

// Check returns a *LockDeniedError when the policy refuses the mutation.
func (p LockPolicy) Check(slot DoseSlot, actor Actor, now time.Time) error {
	d := p.Evaluate(slot, actor, now)
	if d.Allowed {
		return nil
	}
	return &LockDeniedError{
		Rule:       d.Rule,
		VerifiedBy: d.VerifiedBy,
		VerifiedAt: d.VerifiedAt,
		Window:     p.window(),
	}
}
