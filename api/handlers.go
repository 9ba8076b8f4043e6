package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/qerr"
)

const maxBodyBytes = 1 << 20 // 1 MiB, matching the teacher's JSON-RPC cap

// statusFor maps an abstract error kind from qerr to an HTTP status, per
// spec.md's ERROR HANDLING DESIGN table. Unrecognised errors default to
// 500, never leaking internal detail in the body.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, qerr.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, qerr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, qerr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, qerr.ErrAddressMismatch):
		return http.StatusForbidden
	case errors.Is(err, qerr.ErrInsufficientBalance),
		errors.Is(err, qerr.ErrRoundNotOpen),
		errors.Is(err, qerr.ErrDuplicateUserEntry),
		errors.Is(err, qerr.ErrInvalidIdentifier),
		errors.Is(err, qerr.ErrDuplicateDepositHash),
		errors.Is(err, qerr.ErrBoundsViolation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// authenticate resolves the account claimed by the X-Account-Address
// header and verifies the Authorization bearer token against it. QFlash's
// bearer tokens are per-account rather than globally unique, so the
// identity claim has to travel out-of-band from the token itself; the
// header is the out-of-band channel, the same role spec.md's "address?"
// body field plays for /bet.
func (s *Server) authenticate(r *http.Request) (*core.Account, error) {
	address := r.Header.Get("X-Account-Address")
	if address == "" {
		return nil, qerr.ErrUnauthorized
	}
	return s.accounts.Authenticate(r.Context(), address, r.Header.Get("Authorization"))
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pair is required"})
		return
	}
	quote, err := s.feed.PriceFor(r.Context(), pair, false)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"pair":        quote.Pair,
		"medianPrice": quote.MedianPrice,
		"sources":     quote.Sources,
		"fetchedAt":   quote.FetchedAt,
	}

	if s.history != nil && r.URL.Query().Get("history") != "" {
		n, err := strconv.Atoi(r.URL.Query().Get("history"))
		if err != nil || n <= 0 {
			n = 50
		}
		ticks, err := s.history.Recent(pair, n)
		if err != nil {
			writeError(w, err)
			return
		}
		history := make([]map[string]any, 0, len(ticks))
		for _, t := range ticks {
			history = append(history, map[string]any{
				"timestamp": t.Timestamp,
				"price":     t.Price,
			})
		}
		resp["history"] = history
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	status := core.RoundStatus(r.URL.Query().Get("status"))
	var duration core.Duration
	if d := r.URL.Query().Get("duration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration must be an integer"})
			return
		}
		duration = core.Duration(n)
	}

	rounds, err := s.store.ListRounds(r.Context(), pair, duration, status, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds, "count": len(rounds)})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	round, err := s.store.GetRound(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	snapshots, err := s.store.ListSnapshots(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round":     round,
		"snapshots": snapshots,
	})
}

type betRequest struct {
	RoundID  string    `json:"roundId"`
	Side     core.Side `json:"side"`
	AmountQU int64     `json:"amountQU"`
	Address  string    `json:"address,omitempty"`
}

func (s *Server) handleBet(w http.ResponseWriter, r *http.Request) {
	acc, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req betRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Address != "" && req.Address != acc.Address {
		writeError(w, qerr.ErrAddressMismatch)
		return
	}
	if req.RoundID == "" || (req.Side != core.SideUp && req.Side != core.SideDown) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "roundId and a valid side are required"})
		return
	}

	entry, err := s.accounts.PlaceWager(r.Context(), acc.Address, req.RoundID, req.Side, req.AmountQU)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetAccount(r.Context(), acc.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entryId":    entry.ID,
		"roundId":    entry.RoundID,
		"side":       entry.Side,
		"amountQU":   entry.AmountQU,
		"newBalance": updated.BalanceQU,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	acc, err := s.accounts.Authenticate(r.Context(), address, r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return
	}
	recent, err := s.store.ListRecentLedgerTx(r.Context(), address, 25)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":            acc,
		"recentTransactions": recent,
	})
}

type withdrawalRequest struct {
	Destination string `json:"destination"`
	AmountQU    int64  `json:"amountQU"`
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	acc, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	tx, err := s.accounts.RequestWithdrawal(r.Context(), acc.Address, req.Destination, req.AmountQU)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}
