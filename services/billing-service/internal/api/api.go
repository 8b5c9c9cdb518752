// Package api serves the billing HTTP endpoints under /api/v1.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/devicecloud/libs/platform"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
	"github.com/md-rashed-zaman/devicecloud/services/billing-service/internal/balance"
	"github.com/md-rashed-zaman/devicecloud/services/billing-service/internal/purchase"
)

type Handler struct {
	balances  *balance.Service
	purchases *purchase.Service
	logger    *slog.Logger
}

func New(balances *balance.Service, purchases *purchase.Service, logger *slog.Logger) *Handler {
	return &Handler{balances: balances, purchases: purchases, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/accounts/{id}/credits", h.Credit)
	mux.HandleFunc("GET /api/v1/accounts/{id}", h.GetAccount)
	mux.HandleFunc("POST /api/v1/purchases", h.Purchase)
	mux.HandleFunc("GET /api/v1/purchases/{id}", h.GetPurchase)
	return mux
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type accountView struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
	Version   int64  `json:"version"`
	// Open counts purchases charged and not refunded.
	Open int `json:"openCharges"`
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	acct, version, err := h.balances.Credit(r.Context(), id, req.Amount, strings.TrimSpace(req.Reference))
	switch {
	case errors.Is(err, balance.ErrAccountID), errors.Is(err, balance.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "crediting account failed", "account_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	platform.WriteJSON(w, http.StatusOK, accountView{AccountID: id, Balance: acct.Balance, Version: version, Open: len(acct.Charges)})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	acct, version, err := h.balances.Get(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "loading account failed", "account_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if version == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	platform.WriteJSON(w, http.StatusOK, accountView{AccountID: id, Balance: acct.Balance, Version: version, Open: len(acct.Charges)})
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchase.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	inst, err := h.purchases.Place(r.Context(), req)
	switch {
	case errors.Is(err, purchase.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "starting purchase failed", "order_id", req.OrderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Location", "/api/v1/purchases/"+inst.ID)
	platform.WriteJSON(w, http.StatusAccepted, map[string]string{"sagaId": inst.ID, "status": string(inst.Status)})
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	inst, err := h.purchases.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "loading purchase failed", "saga_id", r.PathValue("id"), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	platform.WriteJSON(w, http.StatusOK, platform.ViewSaga(inst))
}
