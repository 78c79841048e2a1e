// Package ledger implements the engine behind every balance movement:
// deposit, withdrawal, transfer, and envelope deletion. Each operation runs
// as one atomic unit against the store — envelope row, total-budget
// aggregate, and transaction log commit together or not at all.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"envelopes/internal/core"
	"envelopes/internal/log"
	"envelopes/internal/storage"
)

// TransactionPublisher notifies the export pipeline about a committed
// transaction. Publishing is best-effort: the row is already durable and
// flagged pending, so a failed publish only delays the export.
type TransactionPublisher interface {
	PublishTransactionSync(ctx context.Context, id int64) error
}

type Engine struct {
	store     *storage.SQLiteRepository
	publisher TransactionPublisher
	logger    *log.Logger
	now       func() time.Time
}

func NewEngine(store *storage.SQLiteRepository, publisher TransactionPublisher, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Config{Component: log.ComponentLedger})
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentLedger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateEnvelope creates an empty envelope with a fresh opaque id.
func (e *Engine) CreateEnvelope(ctx context.Context, userID int64, title string) (core.Envelope, error) {
	title = core.NormalizeTitle(title)
	if err := core.ValidateTitle(title); err != nil {
		return core.Envelope{}, err
	}

	ctx, cancel := e.store.ReadCtx(ctx)
	defer cancel()

	env, err := e.store.Queries().CreateEnvelope(ctx, storage.CreateEnvelopeParams{
		EnvID:     uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: e.now(),
	})
	if err != nil {
		return core.Envelope{}, fmt.Errorf("create envelope: %w", err)
	}

	e.logger.InfoContext(ctx, "envelope created",
		log.FieldUserID, userID,
		log.FieldEnvelopeID, env.ID)
	return env, nil
}

// GetEnvelope returns one envelope with the owner's current total budget.
// A missing aggregate row reads as zero.
func (e *Engine) GetEnvelope(ctx context.Context, userID int64, envID string) (core.Envelope, core.TotalBudget, error) {
	ctx, cancel := e.store.ReadCtx(ctx)
	defer cancel()

	q := e.store.Queries()
	env, err := q.GetEnvelope(ctx, userID, envID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Envelope{}, core.TotalBudget{}, core.ErrEnvelopeNotFound
		}
		return core.Envelope{}, core.TotalBudget{}, fmt.Errorf("get envelope: %w", err)
	}

	tb, err := e.totalOrZero(ctx, q, userID)
	if err != nil {
		return core.Envelope{}, core.TotalBudget{}, err
	}
	return env, tb, nil
}

// ListEnvelopes returns the owner's envelopes in creation order, with the
// current total budget.
func (e *Engine) ListEnvelopes(ctx context.Context, userID int64) ([]core.Envelope, core.TotalBudget, error) {
	ctx, cancel := e.store.ReadCtx(ctx)
	defer cancel()

	q := e.store.Queries()
	envelopes, err := q.ListEnvelopes(ctx, userID)
	if err != nil {
		return nil, core.TotalBudget{}, fmt.Errorf("list envelopes: %w", err)
	}

	tb, err := e.totalOrZero(ctx, q, userID)
	if err != nil {
		return nil, core.TotalBudget{}, err
	}
	return envelopes, tb, nil
}

// RenameEnvelope updates the title of an owned envelope.
func (e *Engine) RenameEnvelope(ctx context.Context, userID int64, envID, title string) error {
	title = core.NormalizeTitle(title)
	if err := core.ValidateTitle(title); err != nil {
		return err
	}

	ctx, cancel := e.store.ReadCtx(ctx)
	defer cancel()

	n, err := e.store.Queries().UpdateEnvelopeTitle(ctx, userID, envID, title)
	if err != nil {
		return fmt.Errorf("rename envelope: %w", err)
	}
	if n == 0 {
		return core.ErrEnvelopeNotFound
	}
	return nil
}

// Deposit adds amount to the destination envelope and to the owner's total
// budget, creating the aggregate lazily on the first deposit, and appends a
// deposit row to the log.
func (e *Engine) Deposit(ctx context.Context, userID int64, envID string, amount core.Money) (core.Envelope, core.TotalBudget, error) {
	if err := amount.Validate(); err != nil {
		return core.Envelope{}, core.TotalBudget{}, err
	}

	var (
		env  core.Envelope
		tb   core.TotalBudget
		txID int64
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, q *storage.Queries) error {
		var err error
		env, err = q.ApplyEnvelopeDelta(ctx, userID, envID, amount.Cents)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrEnvelopeNotFound
			}
			return fmt.Errorf("credit envelope: %w", err)
		}

		tb, err = q.UpsertTotalBudgetDelta(ctx, userID, amount.Cents)
		if err != nil {
			return fmt.Errorf("apply total budget delta: %w", err)
		}

		txID, err = q.AppendTransaction(ctx, storage.AppendTransactionParams{
			Type:   core.TransactionDeposit,
			UserID: userID,
			Amount: amount,
			DestID: env.ID,
			Date:   e.now(),
		})
		if err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Envelope{}, core.TotalBudget{}, err
	}

	e.logger.InfoContext(ctx, "deposit committed",
		log.FieldUserID, userID,
		log.FieldEnvelopeID, env.ID,
		log.FieldAmountCents, amount.Cents,
		log.FieldTotalCents, tb.Total.Cents,
		log.FieldTxID, txID)
	e.publishSync(ctx, txID)
	return env, tb, nil
}

// Withdraw removes amount from the destination envelope and the owner's
// total budget. Preconditions run in a fixed order, each aborting the unit:
// the aggregate must exist, cover the amount, the envelope must exist and
// its own budget must cover the amount independently.
func (e *Engine) Withdraw(ctx context.Context, userID int64, envID string, amount core.Money) (core.Envelope, core.TotalBudget, error) {
	if err := amount.Validate(); err != nil {
		return core.Envelope{}, core.TotalBudget{}, err
	}

	var (
		env  core.Envelope
		tb   core.TotalBudget
		txID int64
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, q *storage.Queries) error {
		current, err := q.GetTotalBudget(ctx, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrNoDeposits
			}
			return fmt.Errorf("get total budget: %w", err)
		}
		if current.Total.Cents < amount.Cents {
			return core.ErrInsufficientTotalBudget
		}

		existing, err := q.GetEnvelope(ctx, userID, envID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrEnvelopeNotFound
			}
			return fmt.Errorf("get envelope: %w", err)
		}
		if existing.Budget.Cents < amount.Cents {
			return core.ErrInsufficientEnvelopeFunds
		}

		env, err = q.ApplyEnvelopeDelta(ctx, userID, envID, -amount.Cents)
		if err != nil {
			return fmt.Errorf("debit envelope: %w", err)
		}

		tb, err = q.UpsertTotalBudgetDelta(ctx, userID, -amount.Cents)
		if err != nil {
			return fmt.Errorf("apply total budget delta: %w", err)
		}

		txID, err = q.AppendTransaction(ctx, storage.AppendTransactionParams{
			Type:   core.TransactionWithdraw,
			UserID: userID,
			Amount: amount,
			DestID: env.ID,
			Date:   e.now(),
		})
		if err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Envelope{}, core.TotalBudget{}, err
	}

	e.logger.InfoContext(ctx, "withdrawal committed",
		log.FieldUserID, userID,
		log.FieldEnvelopeID, env.ID,
		log.FieldAmountCents, amount.Cents,
		log.FieldTotalCents, tb.Total.Cents,
		log.FieldTxID, txID)
	e.publishSync(ctx, txID)
	return env, tb, nil
}

// Transfer moves amount between two envelopes of the same owner. The total
// budget is untouched: the movement is net zero for the owner. One transfer
// row carrying both envelope ids is appended.
func (e *Engine) Transfer(ctx context.Context, userID int64, sourceID, destID string, amount core.Money) error {
	if err := amount.Validate(); err != nil {
		return err
	}

	var txID int64
	err := e.store.WithTx(ctx, func(ctx context.Context, q *storage.Queries) error {
		source, err := q.GetEnvelope(ctx, userID, sourceID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrSourceNotFound
			}
			return fmt.Errorf("get source envelope: %w", err)
		}
		if source.Budget.Cents < amount.Cents {
			return core.ErrInsufficientSourceFunds
		}

		dest, err := q.ApplyEnvelopeDelta(ctx, userID, destID, amount.Cents)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrDestinationNotFound
			}
			return fmt.Errorf("credit destination: %w", err)
		}

		if _, err := q.ApplyEnvelopeDelta(ctx, userID, sourceID, -amount.Cents); err != nil {
			return fmt.Errorf("debit source: %w", err)
		}

		txID, err = q.AppendTransaction(ctx, storage.AppendTransactionParams{
			Type:     core.TransactionTransfer,
			UserID:   userID,
			Amount:   amount,
			DestID:   dest.ID,
			SourceID: sourceID,
			Date:     e.now(),
		})
		if err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "transfer committed",
		log.FieldUserID, userID,
		log.FieldSourceID, sourceID,
		log.FieldDestID, destID,
		log.FieldAmountCents, amount.Cents,
		log.FieldTxID, txID)
	e.publishSync(ctx, txID)
	return nil
}

// TransferCandidates returns the source envelope and every other envelope of
// the owner as possible transfer destinations.
func (e *Engine) TransferCandidates(ctx context.Context, userID int64, sourceID string) (core.Envelope, []core.Envelope, error) {
	ctx, cancel := e.store.ReadCtx(ctx)
	defer cancel()

	q := e.store.Queries()
	source, err := q.GetEnvelope(ctx, userID, sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Envelope{}, nil, core.ErrEnvelopeNotFound
		}
		return core.Envelope{}, nil, fmt.Errorf("get source envelope: %w", err)
	}

	candidates, err := q.ListOtherEnvelopes(ctx, userID, sourceID)
	if err != nil {
		return core.Envelope{}, nil, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return core.Envelope{}, nil, core.ErrNoDestinationCandidates
	}
	return source, candidates, nil
}

// DeleteEnvelope removes the envelope and subtracts its captured budget from
// the owner's total budget. No floor is applied: parity with the original
// system, which lets deletion drive the aggregate negative. The condition is
// logged when it happens.
func (e *Engine) DeleteEnvelope(ctx context.Context, userID int64, envID string) error {
	var (
		removed core.Envelope
		total   int64
		tracked bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, q *storage.Queries) error {
		var err error
		removed, err = q.DeleteEnvelope(ctx, userID, envID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrEnvelopeNotFound
			}
			return fmt.Errorf("delete envelope: %w", err)
		}

		// Touch only an existing aggregate row; an owner with no deposits
		// has nothing to decrement.
		n, err := q.ApplyTotalBudgetDelta(ctx, userID, -removed.Budget.Cents)
		if err != nil {
			return fmt.Errorf("apply total budget delta: %w", err)
		}
		if n > 0 {
			tb, err := q.GetTotalBudget(ctx, userID)
			if err != nil {
				return fmt.Errorf("get total budget: %w", err)
			}
			total = tb.Total.Cents
			tracked = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "envelope deleted",
		log.FieldUserID, userID,
		log.FieldEnvelopeID, envID,
		log.FieldAmountCents, removed.Budget.Cents)
	if tracked && total < 0 {
		e.logger.WarnContext(ctx, "total budget went negative after envelope deletion",
			log.FieldUserID, userID,
			log.FieldTotalCents, total)
	}
	return nil
}

// ListTransactions returns the owner's log grouped by calendar date, newest
// date first and newest entry first within each date. An empty history is an
// empty slice, not an error.
func (e *Engine) ListTransactions(ctx context.Context, userID int64) ([]core.TransactionDay, error) {
	ctx, cancel := e.store.ReadCtx(ctx)
	defer cancel()

	entries, err := e.store.Queries().ListTransactionEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	days := make([]core.TransactionDay, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, entry := range entries {
		key := core.DayKey(entry.Date)
		i, ok := index[key]
		if !ok {
			i = len(days)
			index[key] = i
			days = append(days, core.TransactionDay{Date: key})
		}
		days[i].Entries = append(days[i].Entries, entry)
	}
	return days, nil
}

func (e *Engine) totalOrZero(ctx context.Context, q *storage.Queries, userID int64) (core.TotalBudget, error) {
	tb, err := q.GetTotalBudget(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TotalBudget{UserID: userID}, nil
		}
		return core.TotalBudget{}, fmt.Errorf("get total budget: %w", err)
	}
	return tb, nil
}

func (e *Engine) publishSync(ctx context.Context, txID int64) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTransactionSync(ctx, txID); err != nil {
		// The row stays pending; the periodic sweep picks it up.
		e.logger.ErrorContext(ctx, "failed to publish transaction sync",
			log.FieldTxID, txID,
			log.FieldError, err)
	}
}
