package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"envelopes/internal/amqp"
	"envelopes/internal/core"
	"envelopes/internal/sheets/memory"
	"envelopes/internal/storage"
)

func newTestRepo(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "worker.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func appendTestTransaction(t *testing.T, repo *storage.SQLiteRepository, amountCents int64) int64 {
	t.Helper()
	id, err := repo.Queries().AppendTransaction(context.Background(), storage.AppendTransactionParams{
		Type:   core.TransactionDeposit,
		UserID: 1,
		Amount: core.Money{Cents: amountCents},
		DestID: "env-1",
		Date:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append transaction: %v", err)
	}
	return id
}

func TestHandleSyncMessage(t *testing.T) {
	repo := newTestRepo(t)
	store := memory.New()
	w := NewExportWorker(repo, store, 10)
	ctx := context.Background()

	id := appendTestTransaction(t, repo, 1500)

	if err := w.HandleSyncMessage(ctx, &amqp.TransactionSyncMessage{ID: id}); err != nil {
		t.Fatalf("handle sync message: %v", err)
	}

	rows := store.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 exported row, got %d", len(rows))
	}
	if rows[0].Amount.Cents != 1500 {
		t.Fatalf("expected 1500 cents, got %d", rows[0].Amount.Cents)
	}

	pending, err := repo.Queries().ListPendingExport(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("transaction should be marked exported, %d still pending", len(pending))
	}
}

func TestHandleSyncMessageUnknownID(t *testing.T) {
	repo := newTestRepo(t)
	w := NewExportWorker(repo, memory.New(), 10)

	if err := w.HandleSyncMessage(context.Background(), &amqp.TransactionSyncMessage{ID: 999}); err == nil {
		t.Fatal("expected error for unknown transaction id")
	}
}

func TestProcessPending(t *testing.T) {
	repo := newTestRepo(t)
	store := memory.New()
	w := NewExportWorker(repo, store, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		appendTestTransaction(t, repo, int64(100*(i+1)))
	}

	if err := w.ProcessPending(ctx); err != nil {
		t.Fatalf("process pending: %v", err)
	}
	if got := len(store.Rows()); got != 3 {
		t.Fatalf("expected 3 exported rows, got %d", got)
	}

	// A second sweep finds nothing new.
	if err := w.ProcessPending(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := len(store.Rows()); got != 3 {
		t.Fatalf("second sweep must not re-export, got %d rows", got)
	}
}

type failingWriter struct{}

func (failingWriter) Append(context.Context, core.Transaction) (string, error) {
	return "", errors.New("sheet unavailable")
}

func TestExportFailureMarksError(t *testing.T) {
	repo := newTestRepo(t)
	w := NewExportWorker(repo, failingWriter{}, 10)
	ctx := context.Background()

	id := appendTestTransaction(t, repo, 500)

	if err := w.HandleSyncMessage(ctx, &amqp.TransactionSyncMessage{ID: id}); err == nil {
		t.Fatal("expected export failure")
	}

	// The row leaves the pending set so the sweep does not loop on it.
	pending, err := repo.Queries().ListPendingExport(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("errored transaction should not stay pending, got %d", len(pending))
	}
}

func TestStartupCheck(t *testing.T) {
	repo := newTestRepo(t)
	store := memory.New()
	w := NewExportWorker(repo, store, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendTestTransaction(t, repo, 100)
	}

	// Startup uses a larger batch than the periodic sweep.
	if err := w.StartupCheck(ctx); err != nil {
		t.Fatalf("startup check: %v", err)
	}
	if got := len(store.Rows()); got != 5 {
		t.Fatalf("expected all 5 rows exported at startup, got %d", got)
	}
}
