package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/seantiz/salvo/internal/model"
)

// newPostgresTestStore connects to SALVO_TEST_POSTGRES_DSN or skips.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("SALVO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SALVO_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresBlockLifecycle(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	b := makeTestBlock()

	if err := s.CreateBlock(ctx, b); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	t.Cleanup(func() { s.DeleteBlock(context.Background(), b.ID) })

	got, err := s.GetBlock(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got.Name != b.Name || got.Spec.Registration.Entities != 40 {
		t.Errorf("GetBlock = %+v", got)
	}

	if err := s.UpdateBlockStatus(ctx, b.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateBlockStatus: %v", err)
	}
	if err := s.UpdateRegState(ctx, b.ID, "REGISTERING"); err != nil {
		t.Fatalf("UpdateRegState: %v", err)
	}
	got, err = s.GetBlock(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got.Status != model.StatusRunning || got.StartedAt == nil || got.RegState != "REGISTERING" {
		t.Errorf("after updates = %+v", got)
	}

	want := model.Stats{IntendedLoad: 7, AttemptedConnections: 9, ResponseTimeAvgMS: 2.5, UpdatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	if err := s.SaveSnapshot(ctx, b.ID, want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	snap, err := s.LatestSnapshot(ctx, b.ID)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap.IntendedLoad != 7 || snap.AttemptedConnections != 9 || snap.ResponseTimeAvgMS != 2.5 {
		t.Errorf("LatestSnapshot = %+v", snap)
	}

	if err := s.DeleteBlock(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if _, err := s.GetBlock(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBlock after delete = %v, want ErrNotFound", err)
	}
}
