package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryCreateGet(t *testing.T) {
	repo := NewRepoMemory()
	ctx := context.Background()

	r := &Run{Study: "ABC-123", Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == uuid.Nil {
		t.Fatal("Create must assign an ID")
	}

	got, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Study != "ABC-123" || got.Status != StatusRunning {
		t.Errorf("got = %+v", got)
	}

	// The stored run must not alias the caller's struct.
	r.Study = "mutated"
	got, _ = repo.GetByID(ctx, r.ID)
	if got.Study != "ABC-123" {
		t.Error("store must copy on write")
	}
}

func TestMemoryUpdate(t *testing.T) {
	repo := NewRepoMemory()
	ctx := context.Background()

	r := &Run{Study: "ABC-123", Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	r.Status = StatusCompleted
	r.VisitCount = 5
	r.CompletedAt = &now
	if err := repo.Update(ctx, r); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := repo.GetByID(ctx, r.ID)
	if got.Status != StatusCompleted || got.VisitCount != 5 || got.CompletedAt == nil {
		t.Errorf("got = %+v", got)
	}

	if err := repo.Update(ctx, &Run{ID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown = %v, want ErrNotFound", err)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	repo := NewRepoMemory()
	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryListOrderAndPaging(t *testing.T) {
	repo := NewRepoMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := &Run{Study: "S", Status: StatusCompleted, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	items, total, err := repo.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("total = %d, items = %d", total, len(items))
	}
	if !items[0].StartedAt.After(items[1].StartedAt) {
		t.Error("list must be newest first")
	}

	items, _, err = repo.List(ctx, 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("offset page = %d items, want 1", len(items))
	}

	items, total, err = repo.List(ctx, 10, 99)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || items != nil {
		t.Errorf("past-the-end page = %v (total %d)", items, total)
	}
}
