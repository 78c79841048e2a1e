package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldUserAgent   = "user_agent"
	FieldError       = "error"
	FieldUserID      = "user_id"
	FieldEnvelopeID  = "envelope_id"
	FieldSourceID    = "source_id"
	FieldDestID      = "dest_id"
	FieldAmountCents = "amount_cents"
	FieldTotalCents  = "total_cents"
	FieldTxID        = "transaction_id"
)

// Component names stamped on every line by Logger.
const (
	ComponentApp    = "app"
	ComponentLedger = "ledger"
)
