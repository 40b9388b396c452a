package mar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/mar/internal/platform/blobstore"
)

// ArchiveDocument is the JSON snapshot of one facility day.
type ArchiveDocument struct {
	Date       string             `json:"date"`
	Facility   string             `json:"facility,omitempty"`
	ArchivedAt time.Time          `json:"archived_at"`
	Orders     []*MedicationOrder `json:"orders"`
}

// ArchiveResult reports what ArchiveDay did.
type ArchiveResult struct {
	Key     string `json:"key"`
	Orders  int    `json:"orders"`
	Created bool   `json:"created"`
}

// Archiver writes immutable daily snapshots of the MAR to a blob store.
type Archiver struct {
	orders   OrderRepository
	store    blobstore.BlobStore
	facility string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewArchiver(orders OrderRepository, store blobstore.BlobStore, facility string, logger zerolog.Logger) *Archiver {
	return &Archiver{
		orders:   orders,
		store:    store,
		facility: facility,
		logger:   logger.With().Str("component", "mar-archive").Logger(),
		now:      time.Now,
	}
}

// ArchiveKey returns the object key of a day's snapshot.
func ArchiveKey(date time.Time) string {
	return fmt.Sprintf("mar/%04d/%02d/%02d.json", date.Year(), int(date.Month()), date.Day())
}

// ArchiveDay snapshots every order of date (all residents). An existing
// snapshot is never replaced; Created is false in that case.
func (a *Archiver) ArchiveDay(ctx context.Context, date time.Time) (*ArchiveResult, error) {
	day := DayOf(date, time.UTC)
	key := ArchiveKey(day)

	if _, err := a.store.Head(ctx, key); err == nil {
		a.logger.Info().Str("key", key).Msg("archive already present")
		return &ArchiveResult{Key: key}, nil
	} else if !errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, fmt.Errorf("check archive %s: %w", key, err)
	}

	orders, err := a.orders.ListOrdersForDate(ctx, day)
	if err != nil {
		return nil, &PersistenceError{Op: "list orders for archive", Err: err}
	}
	if orders == nil {
		orders = []*MedicationOrder{}
	}

	doc := ArchiveDocument{
		Date:       day.Format(DateLayout),
		Facility:   a.facility,
		ArchivedAt: a.now().UTC(),
		Orders:     orders,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}

	_, err = a.store.Put(ctx, key, "application/json", bytes.NewReader(body))
	if errors.Is(err, blobstore.ErrBlobExists) {
		return &ArchiveResult{Key: key, Orders: len(orders)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store archive %s: %w", key, err)
	}

	a.logger.Info().Str("key", key).Int("orders", len(orders)).Msg("archived MAR day")
	return &ArchiveResult{Key: key, Orders: len(orders), Created: true}, nil
}

// ArchivePreviousDay archives the facility day before now in loc. It is the
// body of the nightly job.
func (a *Archiver) ArchivePreviousDay(ctx context.Context, loc *time.Location) (*ArchiveResult, error) {
	today := DayOf(a.now(), loc)
	return a.ArchiveDay(ctx, today.AddDate(0, 0, -1))
}
