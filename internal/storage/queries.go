package storage

import (
	"context"
	"database/sql"
	"time"

	"envelopes/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so the same query set runs
// standalone or inside an atomic unit.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries bundles all SQL statements against the ledger schema. Row-absence
// surfaces as sql.ErrNoRows; mapping to domain errors belongs to the engine.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const createEnvelope = `
INSERT INTO envelopes (env_id, user_id, title, budget_cents, created_at)
VALUES (?, ?, ?, 0, ?)
RETURNING env_id, user_id, title, budget_cents, created_at
`

type CreateEnvelopeParams struct {
	EnvID     string
	UserID    int64
	Title     string
	CreatedAt time.Time
}

func (q *Queries) CreateEnvelope(ctx context.Context, arg CreateEnvelopeParams) (core.Envelope, error) {
	row := q.db.QueryRowContext(ctx, createEnvelope, arg.EnvID, arg.UserID, arg.Title, arg.CreatedAt)
	return scanEnvelope(row)
}

const getEnvelope = `
SELECT env_id, user_id, title, budget_cents, created_at
FROM envelopes
WHERE user_id = ? AND env_id = ?
`

func (q *Queries) GetEnvelope(ctx context.Context, userID int64, envID string) (core.Envelope, error) {
	row := q.db.QueryRowContext(ctx, getEnvelope, userID, envID)
	return scanEnvelope(row)
}

const listEnvelopes = `
SELECT env_id, user_id, title, budget_cents, created_at
FROM envelopes
WHERE user_id = ?
ORDER BY created_at ASC
`

func (q *Queries) ListEnvelopes(ctx context.Context, userID int64) ([]core.Envelope, error) {
	rows, err := q.db.QueryContext(ctx, listEnvelopes, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

const listOtherEnvelopes = `
SELECT env_id, user_id, title, budget_cents, created_at
FROM envelopes
WHERE user_id = ? AND env_id <> ?
ORDER BY created_at ASC
`

// ListOtherEnvelopes returns every envelope of the owner except the given
// one; the transfer-candidates read.
func (q *Queries) ListOtherEnvelopes(ctx context.Context, userID int64, envID string) ([]core.Envelope, error) {
	rows, err := q.db.QueryContext(ctx, listOtherEnvelopes, userID, envID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

const updateEnvelopeTitle = `
UPDATE envelopes SET title = ?
WHERE user_id = ? AND env_id = ?
`

// UpdateEnvelopeTitle renames an envelope, returning the number of rows
// affected (0 means not found for this owner).
func (q *Queries) UpdateEnvelopeTitle(ctx context.Context, userID int64, envID, title string) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateEnvelopeTitle, title, userID, envID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const applyEnvelopeDelta = `
UPDATE envelopes SET budget_cents = budget_cents + ?
WHERE user_id = ? AND env_id = ?
RETURNING env_id, user_id, title, budget_cents, created_at
`

// ApplyEnvelopeDelta adds deltaCents (possibly negative) to the envelope
// budget and returns the updated row.
func (q *Queries) ApplyEnvelopeDelta(ctx context.Context, userID int64, envID string, deltaCents int64) (core.Envelope, error) {
	row := q.db.QueryRowContext(ctx, applyEnvelopeDelta, deltaCents, userID, envID)
	return scanEnvelope(row)
}

const deleteEnvelope = `
DELETE FROM envelopes
WHERE user_id = ? AND env_id = ?
RETURNING env_id, user_id, title, budget_cents, created_at
`

// DeleteEnvelope removes the envelope and returns the old row so callers can
// capture the budget being destroyed.
func (q *Queries) DeleteEnvelope(ctx context.Context, userID int64, envID string) (core.Envelope, error) {
	row := q.db.QueryRowContext(ctx, deleteEnvelope, userID, envID)
	return scanEnvelope(row)
}

const getTotalBudget = `
SELECT id, user_id, total_cents
FROM total_budget
WHERE user_id = ?
`

func (q *Queries) GetTotalBudget(ctx context.Context, userID int64) (core.TotalBudget, error) {
	row := q.db.QueryRowContext(ctx, getTotalBudget, userID)
	return scanTotalBudget(row)
}

const upsertTotalBudgetDelta = `
INSERT INTO total_budget (user_id, total_cents)
VALUES (?, ?)
ON CONFLICT (user_id) DO UPDATE SET total_cents = total_cents + excluded.total_cents
RETURNING id, user_id, total_cents
`

// UpsertTotalBudgetDelta applies a signed delta to the owner's aggregate,
// creating the row lazily with the delta as initial value. The shared
// lazy-creation primitive behind deposit and withdraw.
func (q *Queries) UpsertTotalBudgetDelta(ctx context.Context, userID, deltaCents int64) (core.TotalBudget, error) {
	row := q.db.QueryRowContext(ctx, upsertTotalBudgetDelta, userID, deltaCents)
	return scanTotalBudget(row)
}

const applyTotalBudgetDelta = `
UPDATE total_budget SET total_cents = total_cents + ?
WHERE user_id = ?
`

// ApplyTotalBudgetDelta adds deltaCents to an existing aggregate row without
// creating one; returns the number of rows affected.
func (q *Queries) ApplyTotalBudgetDelta(ctx context.Context, userID, deltaCents int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, applyTotalBudgetDelta, deltaCents, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const appendTransaction = `
INSERT INTO transactions (transaction_type, user_id, amount_cents, dest_acc_id, source_acc_id, t_date)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING transaction_id
`

type AppendTransactionParams struct {
	Type     core.TransactionType
	UserID   int64
	Amount   core.Money
	DestID   string
	SourceID string // empty for deposit and withdraw
	Date     time.Time
}

// AppendTransaction writes one immutable log row and returns its id.
func (q *Queries) AppendTransaction(ctx context.Context, arg AppendTransactionParams) (int64, error) {
	var sourceID sql.NullString
	if arg.SourceID != "" {
		sourceID = sql.NullString{String: arg.SourceID, Valid: true}
	}
	var id int64
	err := q.db.QueryRowContext(ctx, appendTransaction,
		string(arg.Type), arg.UserID, arg.Amount.Cents, arg.DestID, sourceID, arg.Date,
	).Scan(&id)
	return id, err
}

const getTransaction = `
SELECT transaction_id, transaction_type, user_id, amount_cents, dest_acc_id, source_acc_id, t_date
FROM transactions
WHERE transaction_id = ?
`

func (q *Queries) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	var (
		tx       core.Transaction
		txType   string
		sourceID sql.NullString
	)
	err := q.db.QueryRowContext(ctx, getTransaction, id).Scan(
		&tx.ID, &txType, &tx.UserID, &tx.Amount.Cents, &tx.DestID, &sourceID, &tx.Date,
	)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.Type = core.TransactionType(txType)
	tx.SourceID = sourceID.String
	return tx, nil
}

const listTransactionEntries = `
SELECT
    transactions.transaction_id,
    transactions.transaction_type,
    transactions.amount_cents,
    dest.title,
    src.title,
    transactions.t_date
FROM transactions
    LEFT OUTER JOIN envelopes AS dest ON transactions.dest_acc_id = dest.env_id
    LEFT OUTER JOIN envelopes AS src ON transactions.source_acc_id = src.env_id
WHERE transactions.user_id = ?
ORDER BY transactions.t_date DESC, transactions.transaction_id DESC
`

// ListTransactionEntries returns the owner's log joined twice against
// envelope titles (destination and source), newest first. Titles are empty
// when the envelope no longer exists.
func (q *Queries) ListTransactionEntries(ctx context.Context, userID int64) ([]core.TransactionEntry, error) {
	rows, err := q.db.QueryContext(ctx, listTransactionEntries, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []core.TransactionEntry
	for rows.Next() {
		var (
			e         core.TransactionEntry
			txType    string
			destTitle sql.NullString
			srcTitle  sql.NullString
		)
		if err := rows.Scan(&e.ID, &txType, &e.Amount.Cents, &destTitle, &srcTitle, &e.Date); err != nil {
			return nil, err
		}
		e.Type = core.TransactionType(txType)
		e.DestTitle = destTitle.String
		e.SourceTitle = srcTitle.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const countTransactions = `
SELECT COUNT(*) FROM transactions WHERE user_id = ?
`

func (q *Queries) CountTransactions(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countTransactions, userID).Scan(&n)
	return n, err
}

const listPendingExport = `
SELECT transaction_id, transaction_type, user_id, amount_cents, dest_acc_id, source_acc_id, t_date
FROM transactions
WHERE export_status = 'pending'
ORDER BY transaction_id ASC
LIMIT ?
`

// ListPendingExport returns transactions not yet pushed to the export
// target, oldest first.
func (q *Queries) ListPendingExport(ctx context.Context, limit int) ([]core.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, listPendingExport, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		var (
			tx       core.Transaction
			txType   string
			sourceID sql.NullString
		)
		if err := rows.Scan(&tx.ID, &txType, &tx.UserID, &tx.Amount.Cents, &tx.DestID, &sourceID, &tx.Date); err != nil {
			return nil, err
		}
		tx.Type = core.TransactionType(txType)
		tx.SourceID = sourceID.String
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

const markExported = `
UPDATE transactions SET export_status = 'exported' WHERE transaction_id = ?
`

func (q *Queries) MarkExported(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, markExported, id)
	return err
}

const markExportError = `
UPDATE transactions SET export_status = 'error' WHERE transaction_id = ?
`

func (q *Queries) MarkExportError(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, markExportError, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (core.Envelope, error) {
	var e core.Envelope
	err := row.Scan(&e.ID, &e.UserID, &e.Title, &e.Budget.Cents, &e.CreatedAt)
	return e, err
}

func scanTotalBudget(row rowScanner) (core.TotalBudget, error) {
	var tb core.TotalBudget
	err := row.Scan(&tb.ID, &tb.UserID, &tb.Total.Cents)
	return tb, err
}

func collectEnvelopes(rows *sql.Rows) ([]core.Envelope, error) {
	var envelopes []core.Envelope
	for rows.Next() {
		var e core.Envelope
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Budget.Cents, &e.CreatedAt); err != nil {
			return nil, err
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, rows.Err()
}
