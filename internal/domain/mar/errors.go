package mar

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound = errors.New("medication order not found")
	ErrDraftOrder    = errors.New("order has no drug name; drafts are not persisted")
	// ErrStaleSlot is returned by repositories when a conditional slot write
	// finds a verification triple other than the expected one.
	ErrStaleSlot     = errors.New("dose slot changed since it was read")
	ErrTogglePending = errors.New("a toggle for this dose slot is already in flight")
)

// LockDeniedError is a policy refusal. It is a normal outcome, not a fault.
type LockDeniedError struct {
	Rule       LockRule
	VerifiedBy string
	VerifiedAt time.Time
	Window     time.Duration
}

func (e *LockDeniedError) Error() string {
	switch e.Rule {
	case RuleWindowExpired:
		return fmt.Sprintf("cannot edit: correction window of %s expired at %s",
			e.Window, e.VerifiedAt.Add(e.Window).UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("cannot edit: locked by %s at %s",
			e.VerifiedBy, e.VerifiedAt.UTC().Format(time.RFC3339))
	}
}

// ValidationError reports a request the engine cannot apply as given, such
// as verifying a slot without a scheduled time.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// ConflictError reports that the slot was changed by another session between
// read and write and the fresh state does not lock the actor out. The caller
// retries with a fresh user action.
type ConflictError struct {
	Current DoseSlot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("dose slot %d was changed by another session; reload and retry", e.Current.Number)
}

func (e *ConflictError) Unwrap() error {
	return ErrStaleSlot
}

// PersistenceError wraps a storage failure. It is transient: re-invoking the
// operation is the retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsLockDenied reports whether err is a policy refusal.
func IsLockDenied(err error) bool {
	var le *LockDeniedError
	return errors.As(err, &le)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrDraftOrder)
}
