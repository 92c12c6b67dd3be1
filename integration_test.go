package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"balance-ledger/internal/config"
	"balance-ledger/internal/server"
	"balance-ledger/migrations"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	serverInstance    *server.Server
	serverPort        string
	baseURL           string
	client            *http.Client
	db                *sql.DB
	dbConnStr         string

	fromAccountID int64
	toAccountID   int64
	transferLegID string
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresContainer, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("balance"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	suite.dbConnStr, err = postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		suite.T().Fatalf("Failed to get connection string: %s", err)
	}

	if err := suite.startApplicationServer(); err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}

	// The server already ran the migrations; this connection is for
	// seeding accounts and inspecting stored rows.
	suite.db, err = sql.Open("postgres", suite.dbConnStr)
	if err != nil {
		suite.T().Fatalf("Failed to connect to database: %s", err)
	}

	suite.client = &http.Client{
		Timeout: 30 * time.Second,
	}
}

func (suite *IntegrationTestSuite) startApplicationServer() error {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port: "0", // Let OS choose a free port
		},
		Database: config.DatabaseConfig{
			Driver: "postgres",
			DSN:    suite.dbConnStr,
		},
		Ledger: config.LedgerConfig{
			AutoCreateAccount:         true,
			ExtraAccountLinkAttribute: "extra_account_id",
			AccountBalanceAttribute:   "balance",
			NewBalanceAttribute:       "new_balance",
			Atomic:                    true,
			NestedBoundaries:          true,
			AccountTable:              "balance_accounts",
			TransactionTable:          "balance_transactions",
			DataAttribute:             "data",
		},
	}

	serverInstance, port, err := server.StartServer(cfg, migrations.FS)
	if err != nil {
		return err
	}

	suite.serverInstance = serverInstance
	suite.serverPort = port
	suite.baseURL = "http://localhost:" + port

	return suite.waitForServerReady()
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.db != nil {
		suite.db.Close()
	}

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}

	if suite.postgresContainer != nil {
		suite.postgresContainer.Terminate(ctx)
	}
}

// Helper methods for API calls with better error handling
func (suite *IntegrationTestSuite) post(path string, reqBody map[string]interface{}) (int, string, error) {
	body, _ := json.Marshal(reqBody)

	resp, err := suite.client.Post(suite.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}

	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	return resp.StatusCode, string(respBody), nil
}

func (suite *IntegrationTestSuite) getBalance(accountID int64) (int, string, error) {
	resp, err := suite.client.Get(fmt.Sprintf("%s/accounts/%d/balance", suite.baseURL, accountID))
	if err != nil {
		return 0, "", err
	}

	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	return resp.StatusCode, string(respBody), nil
}

// Helper to parse response and log errors
func (suite *IntegrationTestSuite) parseResponse(body string) (map[string]interface{}, error) {
	var response map[string]interface{}
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		suite.T().Logf("Failed to parse response: %s", body)
		return nil, err
	}
	return response, nil
}

func (suite *IntegrationTestSuite) responseData(body string) map[string]interface{} {
	response, err := suite.parseResponse(body)
	assert.NoError(suite.T(), err)

	data, hasData := response["data"]
	assert.True(suite.T(), hasData, "Response should have 'data' field")
	if !hasData {
		return map[string]interface{}{}
	}
	return data.(map[string]interface{})
}

func (suite *IntegrationTestSuite) responseErrorCode(body string) string {
	response, err := suite.parseResponse(body)
	assert.NoError(suite.T(), err)

	errorData, hasError := response["error"]
	assert.True(suite.T(), hasError, "Response should have 'error' field for error cases")
	if !hasError {
		return ""
	}
	return errorData.(map[string]interface{})["code"].(string)
}

// Helper to compare decimal values properly
func (suite *IntegrationTestSuite) assertDecimalEqual(expected, actual string) {
	expectedDec, err := decimal.NewFromString(expected)
	if err != nil {
		suite.T().Fatalf("Invalid expected decimal: %s", expected)
	}

	actualDec, err := decimal.NewFromString(actual)
	if err != nil {
		suite.T().Fatalf("Invalid actual decimal: %s", actual)
	}

	assert.True(suite.T(), expectedDec.Equal(actualDec),
		"Decimal values not equal: expected %s, got %s", expected, actual)
}

func (suite *IntegrationTestSuite) assertBalance(accountID int64, expected string) {
	status, body, err := suite.getBalance(accountID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), http.StatusOK, status)

	data := suite.responseData(body)
	suite.assertDecimalEqual(expected, data["balance"].(string))
}

// ------------------------------------------------------------------
// Steps below are helpers (non-test methods). They will be executed
// in the order invoked by TestFlow. This allows deterministic ordering
// without relying on test function name prefixes.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	resp, err := suite.client.Get(suite.baseURL + "/health")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var healthResp map[string]interface{}
	err = json.Unmarshal(body, &healthResp)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "healthy", healthResp["status"])
}

func (suite *IntegrationTestSuite) stepSeedAccounts() {
	err := suite.db.QueryRow(
		"INSERT INTO balance_accounts (user_id) VALUES ($1) RETURNING id", 101,
	).Scan(&suite.fromAccountID)
	assert.NoError(suite.T(), err)

	err = suite.db.QueryRow(
		"INSERT INTO balance_accounts (user_id) VALUES ($1) RETURNING id", 102,
	).Scan(&suite.toAccountID)
	assert.NoError(suite.T(), err)
}

func (suite *IntegrationTestSuite) stepIncreaseAndDecrease() {
	path := fmt.Sprintf("/accounts/%d/increase", suite.fromAccountID)
	status, body, err := suite.post(path, map[string]interface{}{
		"amount": "1000.50",
		"data":   map[string]interface{}{"reason": "initial deposit"},
	})
	assert.NoError(suite.T(), err)
	suite.T().Logf("Increase Response: %s", body)
	assert.Equal(suite.T(), http.StatusCreated, status)

	data := suite.responseData(body)
	transactionID := data["transaction_id"].(string)
	assert.NotEmpty(suite.T(), transactionID)

	// The free-form attribute landed in the payload column.
	var payload sql.NullString
	err = suite.db.QueryRow(
		"SELECT data FROM balance_transactions WHERE id = $1", transactionID,
	).Scan(&payload)
	assert.NoError(suite.T(), err)
	assert.Contains(suite.T(), payload.String, "initial deposit")

	path = fmt.Sprintf("/accounts/%d/decrease", suite.fromAccountID)
	status, body, err = suite.post(path, map[string]interface{}{"amount": "200.50"})
	assert.NoError(suite.T(), err)
	suite.T().Logf("Decrease Response: %s", body)
	assert.Equal(suite.T(), http.StatusCreated, status)

	suite.assertBalance(suite.fromAccountID, "800.00")
}

func (suite *IntegrationTestSuite) stepCachedBalanceMatches() {
	var cached string
	err := suite.db.QueryRow(
		"SELECT balance FROM balance_accounts WHERE id = $1", suite.fromAccountID,
	).Scan(&cached)
	assert.NoError(suite.T(), err)
	suite.assertDecimalEqual("800.00", cached)
}

func (suite *IntegrationTestSuite) stepTransfer() {
	status, body, err := suite.post("/transfers", map[string]interface{}{
		"from_account_id": suite.fromAccountID,
		"to_account_id":   suite.toAccountID,
		"amount":          "100.00",
	})
	assert.NoError(suite.T(), err)
	suite.T().Logf("Transfer Response: %s", body)
	assert.Equal(suite.T(), http.StatusCreated, status)

	data := suite.responseData(body)
	assert.NotEmpty(suite.T(), data["decrease_transaction_id"])
	assert.NotEmpty(suite.T(), data["increase_transaction_id"])

	suite.assertBalance(suite.fromAccountID, "700.00")
	suite.assertBalance(suite.toAccountID, "100.00")

	// Each leg links to the opposite account.
	var extraAccountID int64
	err = suite.db.QueryRow(
		"SELECT extra_account_id FROM balance_transactions WHERE id = $1",
		data["decrease_transaction_id"].(string),
	).Scan(&extraAccountID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), suite.toAccountID, extraAccountID)

	suite.transferLegID = data["decrease_transaction_id"].(string)
}

func (suite *IntegrationTestSuite) stepRevertTransferLeg() {
	path := fmt.Sprintf("/transactions/%s/revert", suite.transferLegID)
	status, body, err := suite.post(path, nil)
	assert.NoError(suite.T(), err)
	suite.T().Logf("Revert Response: %s", body)
	assert.Equal(suite.T(), http.StatusCreated, status)

	data := suite.responseData(body)
	ids := data["transaction_ids"].([]interface{})
	assert.Len(suite.T(), ids, 2)

	suite.assertBalance(suite.fromAccountID, "800.00")
	suite.assertBalance(suite.toAccountID, "0")
}

func (suite *IntegrationTestSuite) stepRollingBalanceRecorded() {
	var newBalance string
	err := suite.db.QueryRow(
		`SELECT new_balance FROM balance_transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, suite.fromAccountID,
	).Scan(&newBalance)
	assert.NoError(suite.T(), err)
	suite.assertDecimalEqual("800.00", newBalance)
}

func (suite *IntegrationTestSuite) stepInvalidAmount() {
	path := fmt.Sprintf("/accounts/%d/increase", suite.fromAccountID)
	status, body, err := suite.post(path, map[string]interface{}{"amount": "abc"})
	assert.NoError(suite.T(), err)
	suite.T().Logf("Invalid Amount Response: %s", body)
	assert.Equal(suite.T(), http.StatusBadRequest, status)
	assert.Equal(suite.T(), "invalid_amount", suite.responseErrorCode(body))
}

func (suite *IntegrationTestSuite) stepUnknownAccount() {
	path := "/accounts/999999/increase"
	status, body, err := suite.post(path, map[string]interface{}{"amount": "10.00"})
	assert.NoError(suite.T(), err)
	suite.T().Logf("Unknown Account Response: %s", body)
	assert.Equal(suite.T(), http.StatusNotFound, status)
	assert.Equal(suite.T(), "account_not_found", suite.responseErrorCode(body))

	// The failed operation must not leave a dangling transaction row.
	var count int
	err = suite.db.QueryRow(
		"SELECT COUNT(*) FROM balance_transactions WHERE account_id = $1", int64(999999),
	).Scan(&count)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, count)
}

func (suite *IntegrationTestSuite) stepRevertUnknownTransaction() {
	path := "/transactions/0f0e0d0c-0b0a-4908-8706-050403020100/revert"
	status, body, err := suite.post(path, nil)
	assert.NoError(suite.T(), err)
	suite.T().Logf("Unknown Transaction Response: %s", body)
	assert.Equal(suite.T(), http.StatusNotFound, status)
	assert.Equal(suite.T(), "transaction_not_found", suite.responseErrorCode(body))
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepSeedAccounts()
	suite.stepIncreaseAndDecrease()
	suite.stepCachedBalanceMatches()
	suite.stepTransfer()
	suite.stepRevertTransferLeg()
	suite.stepRollingBalanceRecorded()
	suite.stepInvalidAmount()
	suite.stepUnknownAccount()
	suite.stepRevertUnknownTransaction()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
