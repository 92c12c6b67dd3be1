package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"balance-ledger/internal/balance"
	"balance-ledger/internal/errors"
)

// BalanceHandler exposes the ledger operations over HTTP.
type BalanceHandler struct {
	ledger *balance.Ledger
}

func NewBalanceHandler(ledger *balance.Ledger) *BalanceHandler {
	return &BalanceHandler{
		ledger: ledger,
	}
}

type movementRequest struct {
	Amount string             `json:"amount"`
	Data   balance.Attributes `json:"data,omitempty"`
}

type movementResponse struct {
	TransactionID string `json:"transaction_id"`
}

type transferRequest struct {
	FromAccountID json.Number        `json:"from_account_id"`
	ToAccountID   json.Number        `json:"to_account_id"`
	Amount        string             `json:"amount"`
	Data          balance.Attributes `json:"data,omitempty"`
}

type transferResponse struct {
	DecreaseTransactionID string `json:"decrease_transaction_id"`
	IncreaseTransactionID string `json:"increase_transaction_id"`
}

type revertRequest struct {
	Data balance.Attributes `json:"data,omitempty"`
}

type revertResponse struct {
	TransactionIDs []string `json:"transaction_ids"`
}

type balanceResponse struct {
	AccountID int64  `json:"account_id"`
	Balance   string `json:"balance"`
}

func (h *BalanceHandler) Increase(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.ledger.Increase)
}

func (h *BalanceHandler) Decrease(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.ledger.Decrease)
}

func (h *BalanceHandler) movement(
	w http.ResponseWriter,
	r *http.Request,
	op func(balance.AccountRef, decimal.Decimal, balance.Attributes) (balance.TransactionID, error),
) {
	accountID, err := pathAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error()))
		return
	}

	transactionID, err := op(balance.ByID(accountID), amount, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, movementResponse{TransactionID: transactionID.String()})
}

func (h *BalanceHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
		return
	}

	fromID, err := req.FromAccountID.Int64()
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid from_account_id").WithDetails(err.Error()))
		return
	}
	toID, err := req.ToAccountID.Int64()
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid to_account_id").WithDetails(err.Error()))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error()))
		return
	}

	ids, err := h.ledger.Transfer(balance.ByID(fromID), balance.ByID(toID), amount, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, transferResponse{
		DecreaseTransactionID: ids[0].String(),
		IncreaseTransactionID: ids[1].String(),
	})
}

func (h *BalanceHandler) Revert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	transactionID, err := uuid.Parse(vars["transaction_id"])
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid transaction_id format").WithDetails(err.Error()))
		return
	}

	var req revertRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
			return
		}
	}

	ids, err := h.ledger.Revert(transactionID, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}

	response := revertResponse{TransactionIDs: make([]string, len(ids))}
	for i, id := range ids {
		response.TransactionIDs[i] = id.String()
	}
	writeJSON(w, http.StatusCreated, response)
}

func (h *BalanceHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	total, err := h.ledger.CalculateBalance(balance.ByID(accountID))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: accountID,
		Balance:   total.String(),
	})
}

func pathAccountID(r *http.Request) (balance.AccountID, error) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["account_id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewAppError(errors.InvalidInput, "account ID must be a positive integer")
	}
	return id, nil
}
