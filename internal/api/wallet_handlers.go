package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

type TipRequest struct {
	ToUsername string `json:"to_username"`
	Amount     int    `json:"amount"`
}

type CreatePaymentRequest struct {
	AmountEUR int `json:"amount_eur"`
}

type WalletEntryResponse struct {
	Change    int    `json:"change"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) walletBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	balance, err := s.ledger.Balance(account.Id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Server) walletHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.ledger.History(account.Id, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := make([]WalletEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, WalletEntryResponse{
			Change:    e.Change,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	s.writeJson(w, http.StatusOK, map[string]interface{}{"entries": resp})
}

func (s *Server) tip(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req TipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	balance, err := s.ledger.Tip(account, req.ToUsername, req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	payment, err := s.payments.CreateTopUp(r.Context(), account.Id, req.AmountEUR)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]string{
		"payment_id":   payment.Id,
		"checkout_url": payment.CheckoutURL,
	})
}

// paymentWebhook receives provider notifications. The provider only gets a
// payment id back on non-2xx and retries, so validation failures are
// acknowledged rather than rejected.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), r.PostForm.Get("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}
