package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"envelopes/internal/core"
	"envelopes/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.SQLiteRepository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewEngine(repo, nil, nil), repo
}

func mustCreate(t *testing.T, e *Engine, userID int64, title string) core.Envelope {
	t.Helper()
	env, err := e.CreateEnvelope(context.Background(), userID, title)
	if err != nil {
		t.Fatalf("create envelope %q: %v", title, err)
	}
	return env
}

func mustDeposit(t *testing.T, e *Engine, userID int64, envID, amount string) (core.Envelope, core.TotalBudget) {
	t.Helper()
	m, err := core.ParseMoney(amount)
	if err != nil {
		t.Fatalf("parse %q: %v", amount, err)
	}
	env, tb, err := e.Deposit(context.Background(), userID, envID, m)
	if err != nil {
		t.Fatalf("deposit %s: %v", amount, err)
	}
	return env, tb
}

func cents(t *testing.T, s string) core.Money {
	t.Helper()
	m, err := core.ParseMoney(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return m
}

func readBudget(t *testing.T, repo *storage.SQLiteRepository, userID int64, envID string) int64 {
	t.Helper()
	env, err := repo.Queries().GetEnvelope(context.Background(), userID, envID)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env.Budget.Cents
}

func readTotal(t *testing.T, repo *storage.SQLiteRepository, userID int64) int64 {
	t.Helper()
	tb, err := repo.Queries().GetTotalBudget(context.Background(), userID)
	if err != nil {
		t.Fatalf("read total budget: %v", err)
	}
	return tb.Total.Cents
}

func TestDeposit(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	env := mustCreate(t, e, 1, "groceries")

	t.Run("first deposit creates the aggregate", func(t *testing.T) {
		got, tb := mustDeposit(t, e, 1, env.ID, "100.00")
		if got.Budget.Cents != 10000 {
			t.Fatalf("expected envelope budget 10000, got %d", got.Budget.Cents)
		}
		if tb.Total.Cents != 10000 {
			t.Fatalf("aggregate should be created at the deposit amount, got %d", tb.Total.Cents)
		}
	})

	t.Run("subsequent deposit increments both", func(t *testing.T) {
		got, tb := mustDeposit(t, e, 1, env.ID, "30.55")
		if got.Budget.Cents != 13055 {
			t.Fatalf("expected 13055, got %d", got.Budget.Cents)
		}
		if tb.Total.Cents != 13055 {
			t.Fatalf("expected total 13055, got %d", tb.Total.Cents)
		}
	})

	t.Run("unknown envelope aborts without writes", func(t *testing.T) {
		_, _, err := e.Deposit(ctx, 1, "no-such-id", cents(t, "5.00"))
		if !errors.Is(err, core.ErrEnvelopeNotFound) {
			t.Fatalf("expected ErrEnvelopeNotFound, got %v", err)
		}
		if total := readTotal(t, repo, 1); total != 13055 {
			t.Fatalf("failed deposit must not change the total, got %d", total)
		}
		n, err := repo.Queries().CountTransactions(ctx, 1)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 2 {
			t.Fatalf("failed deposit must not log, expected 2 rows, got %d", n)
		}
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		_, _, err := e.Deposit(ctx, 1, env.ID, core.Money{Cents: 0})
		if !errors.Is(err, core.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
	})
}

func TestWithdrawPreconditionOrder(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	env := mustCreate(t, e, 1, "groceries")

	t.Run("no deposits yet", func(t *testing.T) {
		_, _, err := e.Withdraw(ctx, 1, env.ID, cents(t, "1.00"))
		if !errors.Is(err, core.ErrNoDeposits) {
			t.Fatalf("expected ErrNoDeposits, got %v", err)
		}
	})

	mustDeposit(t, e, 1, env.ID, "50.00")

	t.Run("total budget checked before envelope", func(t *testing.T) {
		_, _, err := e.Withdraw(ctx, 1, env.ID, cents(t, "50.01"))
		if !errors.Is(err, core.ErrInsufficientTotalBudget) {
			t.Fatalf("expected ErrInsufficientTotalBudget, got %v", err)
		}
	})

	t.Run("unknown envelope", func(t *testing.T) {
		_, _, err := e.Withdraw(ctx, 1, "no-such-id", cents(t, "10.00"))
		if !errors.Is(err, core.ErrEnvelopeNotFound) {
			t.Fatalf("expected ErrEnvelopeNotFound, got %v", err)
		}
	})

	t.Run("envelope-level insufficiency is independent", func(t *testing.T) {
		// Second envelope raises the total so only the per-envelope check
		// can fail.
		other := mustCreate(t, e, 1, "savings")
		mustDeposit(t, e, 1, other.ID, "100.00")

		_, _, err := e.Withdraw(ctx, 1, env.ID, cents(t, "60.00"))
		if !errors.Is(err, core.ErrInsufficientEnvelopeFunds) {
			t.Fatalf("expected ErrInsufficientEnvelopeFunds, got %v", err)
		}

		// Byte-for-byte unchanged post-state, read straight from the store.
		if b := readBudget(t, repo, 1, env.ID); b != 5000 {
			t.Fatalf("envelope budget must be untouched, got %d", b)
		}
		if total := readTotal(t, repo, 1); total != 15000 {
			t.Fatalf("total budget must be untouched, got %d", total)
		}
	})
}

func TestWithdrawSuccess(t *testing.T) {
	e, repo := newTestEngine(t)

	env := mustCreate(t, e, 1, "groceries")
	mustDeposit(t, e, 1, env.ID, "80.00")

	got, tb, err := e.Withdraw(context.Background(), 1, env.ID, cents(t, "29.99"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Budget.Cents != 5001 {
		t.Fatalf("expected envelope budget 5001, got %d", got.Budget.Cents)
	}
	if tb.Total.Cents != 5001 {
		t.Fatalf("expected total 5001, got %d", tb.Total.Cents)
	}
	if b := readBudget(t, repo, 1, env.ID); b != 5001 {
		t.Fatalf("store disagrees with snapshot: %d", b)
	}
}

func TestTransfer(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	src := mustCreate(t, e, 1, "groceries")
	dst := mustCreate(t, e, 1, "savings")
	mustDeposit(t, e, 1, src.ID, "100.00")

	t.Run("moves funds and leaves the total alone", func(t *testing.T) {
		if err := e.Transfer(ctx, 1, src.ID, dst.ID, cents(t, "40.00")); err != nil {
			t.Fatalf("transfer: %v", err)
		}
		if b := readBudget(t, repo, 1, src.ID); b != 6000 {
			t.Fatalf("source should hold 6000, got %d", b)
		}
		if b := readBudget(t, repo, 1, dst.ID); b != 4000 {
			t.Fatalf("destination should hold 4000, got %d", b)
		}
		if total := readTotal(t, repo, 1); total != 10000 {
			t.Fatalf("total budget must not change on transfer, got %d", total)
		}
	})

	t.Run("source not found", func(t *testing.T) {
		err := e.Transfer(ctx, 1, "no-such-id", dst.ID, cents(t, "1.00"))
		if !errors.Is(err, core.ErrSourceNotFound) {
			t.Fatalf("expected ErrSourceNotFound, got %v", err)
		}
	})

	t.Run("insufficient source funds checked before destination", func(t *testing.T) {
		err := e.Transfer(ctx, 1, src.ID, "no-such-id", cents(t, "70.00"))
		if !errors.Is(err, core.ErrInsufficientSourceFunds) {
			t.Fatalf("expected ErrInsufficientSourceFunds, got %v", err)
		}
	})

	t.Run("destination not found leaves source untouched", func(t *testing.T) {
		err := e.Transfer(ctx, 1, src.ID, "no-such-id", cents(t, "10.00"))
		if !errors.Is(err, core.ErrDestinationNotFound) {
			t.Fatalf("expected ErrDestinationNotFound, got %v", err)
		}
		if b := readBudget(t, repo, 1, src.ID); b != 6000 {
			t.Fatalf("failed transfer must not touch the source, got %d", b)
		}
	})
}

func TestTransferCandidates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	src := mustCreate(t, e, 1, "groceries")

	t.Run("lone envelope has no candidates", func(t *testing.T) {
		_, _, err := e.TransferCandidates(ctx, 1, src.ID)
		if !errors.Is(err, core.ErrNoDestinationCandidates) {
			t.Fatalf("expected ErrNoDestinationCandidates, got %v", err)
		}
	})

	t.Run("other envelopes of the owner are candidates", func(t *testing.T) {
		other := mustCreate(t, e, 1, "savings")
		mustCreate(t, e, 2, "not yours") // different owner, never a candidate

		source, candidates, err := e.TransferCandidates(ctx, 1, src.ID)
		if err != nil {
			t.Fatalf("candidates: %v", err)
		}
		if source.ID != src.ID {
			t.Fatalf("expected source %s, got %s", src.ID, source.ID)
		}
		if len(candidates) != 1 || candidates[0].ID != other.ID {
			t.Fatalf("expected exactly the sibling envelope, got %+v", candidates)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		_, _, err := e.TransferCandidates(ctx, 1, "no-such-id")
		if !errors.Is(err, core.ErrEnvelopeNotFound) {
			t.Fatalf("expected ErrEnvelopeNotFound, got %v", err)
		}
	})
}

func TestDeleteEnvelope(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	t.Run("decrements total by the captured budget", func(t *testing.T) {
		env := mustCreate(t, e, 1, "groceries")
		mustDeposit(t, e, 1, env.ID, "75.50")

		if err := e.DeleteEnvelope(ctx, 1, env.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if total := readTotal(t, repo, 1); total != 0 {
			t.Fatalf("expected total 0 after deleting the only envelope, got %d", total)
		}
	})

	t.Run("unknown envelope changes nothing", func(t *testing.T) {
		err := e.DeleteEnvelope(ctx, 1, "no-such-id")
		if !errors.Is(err, core.ErrEnvelopeNotFound) {
			t.Fatalf("expected ErrEnvelopeNotFound, got %v", err)
		}
	})
}

// TestLedgerScenario follows a full session: a failed withdrawal, the lazy
// aggregate creation, a transfer that leaves the total alone, and a deletion
// that drives the aggregate negative.
func TestLedgerScenario(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	envA := mustCreate(t, e, 1, "bills")
	// Seed the envelope balance directly, without any deposit having been
	// made, so no total-budget row exists yet.
	if _, err := repo.Queries().ApplyEnvelopeDelta(ctx, 1, envA.ID, 23045); err != nil {
		t.Fatalf("seed envelope: %v", err)
	}

	// Withdrawing rejects before any write; the balance stays at 230.45.
	if _, _, err := e.Withdraw(ctx, 1, envA.ID, cents(t, "230.46")); err == nil {
		t.Fatal("expected the withdrawal to be rejected")
	}
	if b := readBudget(t, repo, 1, envA.ID); b != 23045 {
		t.Fatalf("budget must remain 23045, got %d", b)
	}

	// First deposit creates the aggregate at exactly the deposit amount.
	got, tb := mustDeposit(t, e, 1, envA.ID, "100.00")
	if got.Budget.Cents != 33045 {
		t.Fatalf("expected A at 330.45, got %d", got.Budget.Cents)
	}
	if tb.Total.Cents != 10000 {
		t.Fatalf("expected total created at 100.00, got %d", tb.Total.Cents)
	}

	// Transfer within the owner: balances move, the total does not.
	envB := mustCreate(t, e, 1, "savings")
	if err := e.Transfer(ctx, 1, envA.ID, envB.ID, cents(t, "230.43")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if b := readBudget(t, repo, 1, envA.ID); b != 10002 {
		t.Fatalf("expected A at 100.02, got %d", b)
	}
	if b := readBudget(t, repo, 1, envB.ID); b != 23043 {
		t.Fatalf("expected B at 230.43, got %d", b)
	}
	if total := readTotal(t, repo, 1); total != 10000 {
		t.Fatalf("total must still be 100.00, got %d", total)
	}

	// Deleting B subtracts its budget with no floor: -130.43.
	if err := e.DeleteEnvelope(ctx, 1, envB.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if total := readTotal(t, repo, 1); total != -13043 {
		t.Fatalf("expected total -13043, got %d", total)
	}
}

func TestTransactionLogIsAppendOnly(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	envA := mustCreate(t, e, 1, "bills")
	envB := mustCreate(t, e, 1, "savings")

	mustDeposit(t, e, 1, envA.ID, "100.00")
	if _, _, err := e.Withdraw(ctx, 1, envA.ID, cents(t, "20.00")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := e.Transfer(ctx, 1, envA.ID, envB.ID, cents(t, "30.00")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// A failed operation must not log.
	if _, _, err := e.Withdraw(ctx, 1, envA.ID, cents(t, "999.00")); err == nil {
		t.Fatal("expected failure")
	}

	n, err := repo.Queries().CountTransactions(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected exactly 3 log rows, got %d", n)
	}

	days, err := e.ListTransactions(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var entries []core.TransactionEntry
	for _, d := range days {
		entries = append(entries, d.Entries...)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Newest first: transfer, withdraw, deposit.
	wantTypes := []core.TransactionType{core.TransactionTransfer, core.TransactionWithdraw, core.TransactionDeposit}
	wantAmounts := []int64{3000, 2000, 10000}
	for i, entry := range entries {
		if entry.Type != wantTypes[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantTypes[i], entry.Type)
		}
		if entry.Amount.Cents != wantAmounts[i] {
			t.Fatalf("position %d: expected %d cents, got %d", i, wantAmounts[i], entry.Amount.Cents)
		}
	}
	if entries[0].SourceTitle != "bills" || entries[0].DestTitle != "savings" {
		t.Fatalf("transfer entry should carry both titles, got %+v", entries[0])
	}
}

func TestListTransactionsGroupsByDate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	env := mustCreate(t, e, 1, "bills")

	// Pin the clock to place operations on known days.
	day1 := time.Date(2024, time.June, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, time.June, 2, 10, 0, 0, 0, time.UTC)

	e.now = func() time.Time { return day1 }
	mustDeposit(t, e, 1, env.ID, "10.00")
	e.now = func() time.Time { return day1.Add(time.Hour) }
	mustDeposit(t, e, 1, env.ID, "20.00")
	e.now = func() time.Time { return day2 }
	mustDeposit(t, e, 1, env.ID, "30.00")

	days, err := e.ListTransactions(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("expected 2 day groups, got %d", len(days))
	}
	if days[0].Date != "02/06/2024" || days[1].Date != "01/06/2024" {
		t.Fatalf("expected newest date first, got %s then %s", days[0].Date, days[1].Date)
	}
	if len(days[0].Entries) != 1 || len(days[1].Entries) != 2 {
		t.Fatalf("unexpected grouping: %d and %d entries", len(days[0].Entries), len(days[1].Entries))
	}
	// Within a day, newest first.
	if days[1].Entries[0].Amount.Cents != 2000 {
		t.Fatalf("expected the later deposit first within the day, got %d", days[1].Entries[0].Amount.Cents)
	}

	empty, err := e.ListTransactions(ctx, 42)
	if err != nil {
		t.Fatalf("empty history: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty history should be an empty slice, got %d groups", len(empty))
	}
}

type capturePublisher struct {
	ids  []int64
	fail bool
}

func (p *capturePublisher) PublishTransactionSync(ctx context.Context, id int64) error {
	if p.fail {
		return errors.New("broker down")
	}
	p.ids = append(p.ids, id)
	return nil
}

func TestPublishAfterCommit(t *testing.T) {
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	pub := &capturePublisher{}
	e := NewEngine(repo, pub, nil)

	env := mustCreate(t, e, 1, "bills")
	mustDeposit(t, e, 1, env.ID, "10.00")
	if len(pub.ids) != 1 {
		t.Fatalf("expected one published id, got %v", pub.ids)
	}

	// A broker failure must never fail the ledger operation.
	pub.fail = true
	if _, _, err := e.Deposit(context.Background(), 1, env.ID, cents(t, "5.00")); err != nil {
		t.Fatalf("deposit must succeed despite publish failure: %v", err)
	}

	// A failed operation publishes nothing.
	pub.fail = false
	before := len(pub.ids)
	if _, _, err := e.Deposit(context.Background(), 1, "no-such-id", cents(t, "5.00")); err == nil {
		t.Fatal("expected failure")
	}
	if len(pub.ids) != before {
		t.Fatalf("failed operation must not publish, got %v", pub.ids)
	}
}
