package core

import (
	"strings"
	"time"
)

const (
	TransactionDeposit  TransactionType = "deposit"
	TransactionWithdraw TransactionType = "withdraw"
	TransactionTransfer TransactionType = "transfer"
)

const (
	TitleMinLen = 2
	TitleMaxLen = 14
)

type (
	TransactionType string

	// Envelope is a named sub-budget owned by a single user. The id is an
	// opaque uuid, safe to expose to clients.
	Envelope struct {
		ID        string
		UserID    int64
		Title     string
		Budget    Money
		CreatedAt time.Time
	}

	// TotalBudget is the per-owner aggregate of all envelope budgets,
	// maintained incrementally by the ledger engine.
	TotalBudget struct {
		ID     int64
		UserID int64
		Total  Money
	}

	// Transaction is one immutable row of the append-only ledger log.
	// SourceID is set only for transfers.
	Transaction struct {
		ID       int64
		Type     TransactionType
		UserID   int64
		Amount   Money
		DestID   string
		SourceID string
		Date     time.Time
	}

	// TransactionEntry is a log row joined against envelope titles for
	// display. Either title may be empty when the envelope was deleted.
	TransactionEntry struct {
		ID          int64
		Type        TransactionType
		Amount      Money
		DestTitle   string
		SourceTitle string
		Date        time.Time
	}

	// TransactionDay groups log entries by calendar date, newest date first.
	TransactionDay struct {
		Date    string
		Entries []TransactionEntry
	}
)

// Valid reports whether t is one of the three ledger operation types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdraw, TransactionTransfer:
		return true
	}
	return false
}

// NormalizeTitle trims surrounding whitespace before validation and storage.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(title)
}

// ValidateTitle checks the trimmed envelope title length.
func ValidateTitle(title string) error {
	n := len([]rune(NormalizeTitle(title)))
	if n < TitleMinLen || n > TitleMaxLen {
		return ErrInvalidTitle
	}
	return nil
}

// DayKey formats a timestamp as the calendar-date key used to group the
// transaction log for display.
func DayKey(t time.Time) string {
	return t.Format("02/01/2006")
}
