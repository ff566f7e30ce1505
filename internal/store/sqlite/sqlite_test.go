package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
	"github.com/Iron-Ham/sluice/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "state.db"))
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.UpsertRun(ctx, storetest.NewRun("r1", "t1", "/in/a", time.Now())); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	reconciled, err := s.ReconcileInterrupted(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReconcileInterrupted() error = %v", err)
	}
	if len(reconciled) != 1 || reconciled[0].ID != "r1" {
		t.Fatalf("reconciled = %+v, want r1", reconciled)
	}

	reconciled[0].Status = model.RunDeadLettered
	reconciled[0].DeadLetterPath = "/dl/a"
	if err := s.UpsertRun(ctx, reconciled[0]); err != nil {
		t.Fatalf("failed -> deadlettered error = %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RunDeadLettered || got.DeadLetterPath != "/dl/a" {
		t.Errorf("GetRun() = %+v", got)
	}
}
