package mar

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHistory_DaysAscendingWithEmptyDays(t *testing.T) {
	svc, repo := newTestService()
	resident := uuid.New()

	early := verifiedBy(scheduledOrder(resident), 1, nurseA, testNow.AddDate(0, 0, -2))
	early.Date = testDay.AddDate(0, 0, -2)
	repo.seed(early)
	repo.seed(scheduledOrder(resident))
	tooOld := scheduledOrder(resident)
	tooOld.Date = testDay.AddDate(0, 0, -3)
	repo.seed(tooOld)
	repo.seed(scheduledOrder(uuid.New()))

	records, err := svc.History(context.Background(), resident, testDay, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"2024-02-28", "2024-02-29", "2024-03-01"}
	if len(records) != len(want) {
		t.Fatalf("records = %d, want %d", len(records), len(want))
	}
	for i, r := range records {
		if r.Date != want[i] {
			t.Errorf("records[%d].Date = %s, want %s", i, r.Date, want[i])
		}
		if r.Orders == nil {
			t.Errorf("records[%d].Orders should be an empty list, not nil", i)
		}
	}
	if len(records[0].Orders) != 1 || len(records[1].Orders) != 0 || len(records[2].Orders) != 1 {
		t.Errorf("unexpected order counts: %d/%d/%d", len(records[0].Orders), len(records[1].Orders), len(records[2].Orders))
	}

	// Historical stamps are reported as stored, whatever the lock says now.
	s := records[0].Orders[0].Slots[0]
	if !s.IsVerified() || *s.VerifiedBy != nurseA.UserID {
		t.Errorf("historical slot not reported as stored: %+v", s)
	}
}

func TestHistory_DefaultWindow(t *testing.T) {
	svc, _ := newTestService()

	records, err := svc.History(context.Background(), uuid.New(), testDay, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != DefaultAuditDays {
		t.Errorf("records = %d, want %d", len(records), DefaultAuditDays)
	}
	if records[len(records)-1].Date != "2024-03-01" {
		t.Errorf("last day = %s, want 2024-03-01", records[len(records)-1].Date)
	}

	svc.SetAuditWindow(5)
	records, _ = svc.History(context.Background(), uuid.New(), testDay, 0)
	if len(records) != 5 {
		t.Errorf("records = %d, want 5 after SetAuditWindow", len(records))
	}

	svc.SetAuditWindow(40)
	records, _ = svc.History(context.Background(), uuid.New(), testDay, 0)
	if len(records) != 5 {
		t.Errorf("out of range window should be ignored, got %d days", len(records))
	}
}

func TestHistory_InvalidDays(t *testing.T) {
	svc, _ := newTestService()
	for _, d := range []int{-1, MaxAuditDays + 1} {
		if _, err := svc.History(context.Background(), uuid.New(), testDay, d); !IsValidation(err) {
			t.Errorf("days=%d: expected validation error, got %v", d, err)
		}
	}
	if _, err := svc.History(context.Background(), uuid.New(), testDay, MaxAuditDays); err != nil {
		t.Errorf("days=%d should be accepted: %v", MaxAuditDays, err)
	}
}

func TestHistory_StorageFailure(t *testing.T) {
	svc, repo := newTestService()
	repo.readErr = errors.New("db down")

	_, err := svc.History(context.Background(), uuid.New(), testDay, 3)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PersistenceError, got %v", err)
	}
}

func TestEvents_Pagination(t *testing.T) {
	svc, repo := newTestService()
	id := repo.seed(scheduledOrder(uuid.New()))
	ctx := context.Background()

	_, _ = svc.Toggle(ctx, id, 1, nurseA, testNow)
	_, _ = svc.Toggle(ctx, id, 1, nurseA, testNow)
	_, _ = svc.Toggle(ctx, id, 2, nurseB, testNow)

	page, total, err := svc.Events(ctx, id, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("total=%d len=%d, want 3/2", total, len(page))
	}
	if page[0].Action != ActionVerify || page[1].Action != ActionUnverify {
		t.Errorf("unexpected order: %s, %s", page[0].Action, page[1].Action)
	}

	page, _, _ = svc.Events(ctx, id, 2, 2)
	if len(page) != 1 || page[0].ActorID != nurseB.UserID {
		t.Errorf("unexpected second page %+v", page)
	}
}

func TestEvents_OrderNotFound(t *testing.T) {
	svc, _ := newTestService()
	if _, _, err := svc.Events(context.Background(), uuid.New(), 10, 0); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
