package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balance-ledger/internal/balance"
	"balance-ledger/internal/repository"
)

func newTestRouter(t *testing.T) (*mux.Router, *repository.MemoryStore) {
	t.Helper()

	store := repository.NewMemoryStore()
	ledger := balance.New(store, balance.WithExtraAccountLinkAttribute("extra_account_id"))
	h := NewBalanceHandler(ledger)

	router := mux.NewRouter()
	router.HandleFunc("/accounts/{account_id}/increase", h.Increase).Methods(http.MethodPost)
	router.HandleFunc("/accounts/{account_id}/decrease", h.Decrease).Methods(http.MethodPost)
	router.HandleFunc("/accounts/{account_id}/balance", h.Balance).Methods(http.MethodGet)
	router.HandleFunc("/transfers", h.Transfer).Methods(http.MethodPost)
	router.HandleFunc("/transactions/{transaction_id}/revert", h.Revert).Methods(http.MethodPost)
	return router, store
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var resp struct {
		Data  map[string]any `json:"data"`
		Error *Error         `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *Error {
	t.Helper()

	var resp struct {
		Error *Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestHandlerIncrease(t *testing.T) {
	router, store := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/accounts/1/increase", map[string]any{
		"amount": "50",
		"data":   map[string]any{"extra": "custom"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	data := decodeData(t, rec)
	assert.NotEmpty(t, data["transaction_id"])

	last := store.LastTransaction()
	require.NotNil(t, last)
	assert.Equal(t, "custom", last["extra"])
}

func TestHandlerBalanceAfterMovements(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/accounts/1/increase", map[string]any{"amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, router, http.MethodPost, "/accounts/1/decrease", map[string]any{"amount": "30"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/accounts/1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "70", data["balance"])
	assert.EqualValues(t, 1, data["account_id"])
}

func TestHandlerTransfer(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/transfers", map[string]any{
		"from_account_id": 1,
		"to_account_id":   2,
		"amount":          "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	data := decodeData(t, rec)
	assert.NotEmpty(t, data["decrease_transaction_id"])
	assert.NotEmpty(t, data["increase_transaction_id"])
	assert.NotEqual(t, data["decrease_transaction_id"], data["increase_transaction_id"])

	rec = doRequest(t, router, http.MethodGet, "/accounts/2/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", decodeData(t, rec)["balance"])
}

func TestHandlerRevert(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/accounts/1/increase", map[string]any{"amount": "10"})
	require.Equal(t, http.StatusCreated, rec.Code)
	transactionID := decodeData(t, rec)["transaction_id"].(string)

	rec = doRequest(t, router, http.MethodPost, "/transactions/"+transactionID+"/revert", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	ids := decodeData(t, rec)["transaction_ids"].([]any)
	assert.Len(t, ids, 1)

	rec = doRequest(t, router, http.MethodGet, "/accounts/1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", decodeData(t, rec)["balance"])
}

func TestHandlerInvalidAmount(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/accounts/1/increase", map[string]any{"amount": "abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", decodeError(t, rec).Code)
}

func TestHandlerInvalidAccountID(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/accounts/0/increase", map[string]any{"amount": "10"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rec).Code)
}

func TestHandlerRevertUnknownTransaction(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/transactions/6f4f7a7e-0000-0000-0000-000000000001/revert", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction_not_found", decodeError(t, rec).Code)
}

func TestHandlerRevertMalformedID(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/transactions/not-a-uuid/revert", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rec).Code)
}
