package mar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mar/internal/platform/blobstore"
)

func TestArchiveKey(t *testing.T) {
	if got := ArchiveKey(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)); got != "mar/2024/01/05.json" {
		t.Errorf("ArchiveKey = %q", got)
	}
}

func TestArchiveDay_WritesSnapshotOnce(t *testing.T) {
	repo := newMockOrderRepo()
	repo.seed(verifiedBy(scheduledOrder(uuid.New()), 1, nurseA, testNow))
	repo.seed(scheduledOrder(uuid.New()))
	next := scheduledOrder(uuid.New())
	next.Date = testDay.AddDate(0, 0, 1)
	repo.seed(next)

	store := blobstore.NewInMemoryBlobStore()
	a := NewArchiver(repo, store, "north-wing", zerolog.Nop())
	ctx := context.Background()

	res, err := a.ArchiveDay(ctx, testDay.Add(13*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.Orders != 2 || res.Key != "mar/2024/03/01.json" {
		t.Fatalf("unexpected result %+v", res)
	}

	rc, meta, err := store.Get(ctx, res.Key)
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	defer rc.Close()
	if meta.ContentType != "application/json" {
		t.Errorf("ContentType = %q", meta.ContentType)
	}
	body, _ := io.ReadAll(rc)
	var doc ArchiveDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if doc.Date != "2024-03-01" || doc.Facility != "north-wing" || len(doc.Orders) != 2 {
		t.Errorf("unexpected document: date=%s facility=%s orders=%d", doc.Date, doc.Facility, len(doc.Orders))
	}
	if !doc.Orders[0].Slots[0].IsVerified() {
		t.Error("archived slot should keep its stamp")
	}

	// A second run leaves the snapshot untouched.
	repo.seed(scheduledOrder(uuid.New()))
	res, err = a.ArchiveDay(ctx, testDay)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Created {
		t.Error("second run must not create a new snapshot")
	}
	again, _ := store.Head(ctx, res.Key)
	if again.Hash != meta.Hash {
		t.Error("snapshot content changed")
	}
}

func TestArchiveDay_EmptyDay(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore()
	a := NewArchiver(newMockOrderRepo(), store, "", zerolog.Nop())

	res, err := a.ArchiveDay(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.Orders != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	rc, _, _ := store.Get(context.Background(), res.Key)
	defer rc.Close()
	var doc map[string]interface{}
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if orders, ok := doc["orders"].([]interface{}); !ok || len(orders) != 0 {
		t.Errorf("orders should be an empty list, got %v", doc["orders"])
	}
}

func TestArchivePreviousDay(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore()
	a := NewArchiver(newMockOrderRepo(), store, "", zerolog.Nop())
	loc := time.FixedZone("UTC-5", -5*3600)
	// 03:00 UTC on March 2 is March 1 locally, so the previous day is Feb 29.
	a.now = func() time.Time { return time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC) }

	res, err := a.ArchivePreviousDay(context.Background(), loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key != "mar/2024/02/29.json" {
		t.Errorf("Key = %q, want mar/2024/02/29.json", res.Key)
	}
}

// racingStore reports a missing key on Head but loses the create race on Put.
type racingStore struct {
	*blobstore.InMemoryBlobStore
	headErr error
}

func (r *racingStore) Head(context.Context, string) (*blobstore.BlobMetadata, error) {
	return nil, r.headErr
}

func (r *racingStore) Put(context.Context, string, string, io.Reader) (*blobstore.BlobMetadata, error) {
	return nil, blobstore.ErrBlobExists
}

func TestArchiveDay_LostCreateRace(t *testing.T) {
	store := &racingStore{InMemoryBlobStore: blobstore.NewInMemoryBlobStore(), headErr: blobstore.ErrBlobNotFound}
	a := NewArchiver(newMockOrderRepo(), store, "", zerolog.Nop())

	res, err := a.ArchiveDay(context.Background(), testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created {
		t.Error("a lost race is not a creation")
	}
}

func TestArchiveDay_Failures(t *testing.T) {
	store := &racingStore{InMemoryBlobStore: blobstore.NewInMemoryBlobStore(), headErr: errors.New("access denied")}
	a := NewArchiver(newMockOrderRepo(), store, "", zerolog.Nop())
	if _, err := a.ArchiveDay(context.Background(), testDay); err == nil {
		t.Error("expected error when the store cannot be checked")
	}

	repo := newMockOrderRepo()
	repo.readErr = errors.New("db down")
	a = NewArchiver(repo, blobstore.NewInMemoryBlobStore(), "", zerolog.Nop())
	_, err := a.ArchiveDay(context.Background(), testDay)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PersistenceError, got %v", err)
	}
}
