package sheets

import (
	"context"

	"envelopes/internal/core"
)

// Ports for outbound adapters.
type (
	// TransactionWriter appends one committed ledger transaction to the
	// export target and returns an opaque row reference.
	TransactionWriter interface {
		Append(ctx context.Context, tx core.Transaction) (rowRef string, err error)
	}
)
