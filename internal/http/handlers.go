package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"envelopes/internal/auth"
	"envelopes/internal/core"
	applog "envelopes/internal/log"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
)

func contextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// withAuth verifies the bearer token and injects the owner id into the
// request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		var tokenStr string
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			tokenStr = strings.TrimSpace(parts[1])
		}
		if tokenStr == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "please authenticate"})
			return
		}

		claims, err := auth.ParseToken(s.jwtSecret, tokenStr)
		if err != nil {
			slog.WarnContext(r.Context(), "Token rejected", applog.FieldError, err)
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "please authenticate"})
			return
		}

		ctx := contextWithUserID(r.Context(), claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

func userIDFromRequest(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

// envelopeJSON is the wire shape of an envelope. Amounts travel as decimal
// strings; cents never leave the engine.
type envelopeJSON struct {
	EnvID     string    `json:"env_id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Budget    string    `json:"budget"`
	CreatedAt time.Time `json:"created_at"`
}

type totalBudgetJSON struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	TotalBudget string `json:"total_budget"`
}

type transactionEntryJSON struct {
	ID              int64  `json:"transaction_id"`
	Type            string `json:"transaction_type"`
	Amount          string `json:"amount"`
	DestinationName string `json:"destination"`
	SourceName      string `json:"source,omitempty"`
}

type transactionDayJSON struct {
	Date         string                 `json:"date"`
	Transactions []transactionEntryJSON `json:"transactions"`
}

func toEnvelopeJSON(e core.Envelope) envelopeJSON {
	return envelopeJSON{
		EnvID:     e.ID,
		UserID:    e.UserID,
		Title:     e.Title,
		Budget:    e.Budget.String(),
		CreatedAt: e.CreatedAt,
	}
}

func toTotalBudgetJSON(tb core.TotalBudget) totalBudgetJSON {
	return totalBudgetJSON{
		ID:          tb.ID,
		UserID:      tb.UserID,
		TotalBudget: tb.Total.String(),
	}
}

type titleRequest struct {
	Title string `json:"title"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type transferRequest struct {
	Amount        string `json:"amount"`
	DestinationID string `json:"destination_id"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func validationError(field, msg string) map[string]any {
	return map[string]any{"validationErrors": map[string]string{field: msg}}
}

// writeDomainError maps the error taxonomy onto HTTP statuses, keeping the
// distinct flavors the clients key on.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrEnvelopeNotFound):
		writeJSON(w, http.StatusNotFound, validationError("invalidId", "envelope not found"))
	case errors.Is(err, core.ErrSourceNotFound):
		writeJSON(w, http.StatusNotFound, validationError("source", "source envelope not found"))
	case errors.Is(err, core.ErrDestinationNotFound):
		writeJSON(w, http.StatusNotFound, validationError("destination", "destination envelope not found"))
	case errors.Is(err, core.ErrNoDeposits):
		writeJSON(w, http.StatusBadRequest, validationError("insufficientFunds", "no deposits made yet"))
	case errors.Is(err, core.ErrInsufficientTotalBudget):
		writeJSON(w, http.StatusBadRequest, validationError("insufficientFunds", "total budget less than withdrawal amount"))
	case errors.Is(err, core.ErrInsufficientEnvelopeFunds):
		writeJSON(w, http.StatusBadRequest, validationError("insufficientFunds", "insufficient funds in envelope"))
	case errors.Is(err, core.ErrInsufficientSourceFunds):
		writeJSON(w, http.StatusBadRequest, validationError("insufficientFunds", "insufficient funds in source envelope"))
	case errors.Is(err, core.ErrNoDestinationCandidates):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "no destination envelopes available"})
	case errors.Is(err, core.ErrInvalidTitle):
		writeJSON(w, http.StatusBadRequest, validationError("title", err.Error()))
	case errors.Is(err, core.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, validationError("amount", err.Error()))
	default:
		slog.ErrorContext(r.Context(), "Request failed", applog.FieldError, err, applog.FieldPath, r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) handleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError("body", "invalid request body"))
		return
	}

	env, err := s.engine.CreateEnvelope(r.Context(), userIDFromRequest(r), req.Title)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":  fmt.Sprintf("Envelope created with id %s", env.ID),
		"envelope": toEnvelopeJSON(env),
	})
}

func (s *Server) handleListEnvelopes(w http.ResponseWriter, r *http.Request) {
	envelopes, tb, err := s.engine.ListEnvelopes(r.Context(), userIDFromRequest(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]envelopeJSON, 0, len(envelopes))
	for _, e := range envelopes {
		out = append(out, toEnvelopeJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"envelopes":    out,
		"total_budget": toTotalBudgetJSON(tb),
	})
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, tb, err := s.engine.GetEnvelope(r.Context(), userIDFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"envelope":     toEnvelopeJSON(env),
		"total_budget": toTotalBudgetJSON(tb),
	})
}

func (s *Server) handleRenameEnvelope(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError("body", "invalid request body"))
		return
	}

	userID := userIDFromRequest(r)
	if err := s.engine.RenameEnvelope(r.Context(), userID, r.PathValue("id"), req.Title); err != nil {
		writeDomainError(w, r, err)
		return
	}

	// Titles are joined into transaction-log entries, so a rename changes
	// cached log content.
	s.invalidateLog(userID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) handleDeleteEnvelope(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	envID := r.PathValue("id")

	if err := s.engine.DeleteEnvelope(r.Context(), userID, envID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.invalidateLog(userID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": fmt.Sprintf("Envelope with id %s was successfully removed", envID),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceChange(w, r, s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceChange(w, r, s.engine.Withdraw)
}

type balanceOp func(ctx context.Context, userID int64, envID string, amount core.Money) (core.Envelope, core.TotalBudget, error)

func (s *Server) handleBalanceChange(w http.ResponseWriter, r *http.Request, op balanceOp) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError("body", "invalid request body"))
		return
	}
	amount, err := core.ParseMoney(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, validationError("amount", "invalid amount"))
		return
	}

	userID := userIDFromRequest(r)
	env, tb, err := op(r.Context(), userID, r.PathValue("id"), amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.invalidateLog(userID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"destination_envelope": toEnvelopeJSON(env),
		"total_budget":         toTotalBudgetJSON(tb),
	})
}

func (s *Server) handleTransferCandidates(w http.ResponseWriter, r *http.Request) {
	source, candidates, err := s.engine.TransferCandidates(r.Context(), userIDFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]envelopeJSON, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, toEnvelopeJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source_envelope":       toEnvelopeJSON(source),
		"destination_envelopes": out,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError("body", "invalid request body"))
		return
	}
	amount, err := core.ParseMoney(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, validationError("amount", "invalid amount"))
		return
	}

	userID := userIDFromRequest(r)
	if err := s.engine.Transfer(r.Context(), userID, r.PathValue("id"), req.DestinationID, amount); err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.invalidateLog(userID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) handleTransactionsLog(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	key := s.logCacheKey(userID)

	days, found := s.logCache.Get(key)
	if !found {
		var err error
		days, err = s.engine.ListTransactions(r.Context(), userID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		s.logCache.Set(key, days)
	}

	out := make([]transactionDayJSON, 0, len(days))
	for _, day := range days {
		entries := make([]transactionEntryJSON, 0, len(day.Entries))
		for _, e := range day.Entries {
			entries = append(entries, transactionEntryJSON{
				ID:              e.ID,
				Type:            string(e.Type),
				Amount:          e.Amount.String(),
				DestinationName: e.DestTitle,
				SourceName:      e.SourceTitle,
			})
		}
		out = append(out, transactionDayJSON{Date: day.Date, Transactions: entries})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}
