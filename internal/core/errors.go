package core

import "errors"

// Domain errors returned by the ledger engine. Handlers switch on these with
// errors.Is to pick a status code and payload; nothing matches on error text.
var (
	// ErrEnvelopeNotFound means the envelope id does not resolve for the
	// requesting owner.
	ErrEnvelopeNotFound = errors.New("envelope not found")

	// ErrSourceNotFound means the transfer source envelope does not resolve
	// for the requesting owner.
	ErrSourceNotFound = errors.New("source envelope not found")

	// ErrDestinationNotFound means the transfer destination envelope does not
	// resolve for the requesting owner.
	ErrDestinationNotFound = errors.New("destination envelope not found")

	// ErrNoDeposits means the owner has no total-budget row yet, so there is
	// nothing to withdraw from. Distinct from insufficient funds.
	ErrNoDeposits = errors.New("no deposits yet")

	// ErrInsufficientTotalBudget means the owner's aggregate total budget is
	// smaller than the requested withdrawal amount.
	ErrInsufficientTotalBudget = errors.New("total budget less than withdraw amount")

	// ErrInsufficientEnvelopeFunds means the envelope's own budget is smaller
	// than the requested withdrawal amount.
	ErrInsufficientEnvelopeFunds = errors.New("insufficient envelope funds")

	// ErrInsufficientSourceFunds means the transfer source budget is smaller
	// than the requested transfer amount.
	ErrInsufficientSourceFunds = errors.New("insufficient source funds")

	// ErrNoDestinationCandidates means the owner has no other envelope to
	// transfer into. A usability guard, not a data error.
	ErrNoDestinationCandidates = errors.New("no destination envelopes")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidTitle  = errors.New("invalid title")
)
