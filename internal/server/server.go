package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"balance-ledger/internal/balance"
	"balance-ledger/internal/config"
	"balance-ledger/internal/handler"
	"balance-ledger/internal/repository"
)

// Server represents the HTTP server
type Server struct {
	router *mux.Router
	server *http.Server
	db     *sql.DB
	logger *slog.Logger
	port   string
}

// NewServer creates a new server instance wired to the configured database.
func NewServer(cfg *config.Config, migrationsFS fs.FS, logger *slog.Logger) (*Server, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db, cfg.Database.Driver, migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if logger != nil {
		logger.Info("Successfully connected to database", "driver", cfg.Database.Driver)
	}

	// Storage adapter
	storeOpts := repository.DefaultSQLStoreOptions()
	storeOpts.AccountTable = cfg.Ledger.AccountTable
	storeOpts.TransactionTable = cfg.Ledger.TransactionTable
	storeOpts.DataColumn = cfg.Ledger.DataAttribute
	store := repository.NewSQLStore(db, repository.Dialect(cfg.Database.Driver), storeOpts, logger)

	// Ledger engine
	ledger := balance.New(store,
		balance.WithLogger(logger),
		balance.WithAutoCreateAccount(cfg.Ledger.AutoCreateAccount),
		balance.WithExtraAccountLinkAttribute(cfg.Ledger.ExtraAccountLinkAttribute),
		balance.WithAccountBalanceAttribute(cfg.Ledger.AccountBalanceAttribute),
		balance.WithNewBalanceAttribute(cfg.Ledger.NewBalanceAttribute),
		balance.WithAtomic(cfg.Ledger.Atomic),
		balance.WithNestedBoundaries(cfg.Ledger.NestedBoundaries),
	)

	balanceHandler := handler.NewBalanceHandler(ledger)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/accounts/{account_id}/increase", balanceHandler.Increase).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/decrease", balanceHandler.Decrease).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/balance", balanceHandler.Balance).Methods("GET")
	router.HandleFunc("/transfers", balanceHandler.Transfer).Methods("POST")
	router.HandleFunc("/transactions/{transaction_id}/revert", balanceHandler.Revert).Methods("POST")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	return &Server{
		router: router,
		db:     db,
		logger: logger,
	}, nil
}

func runMigrations(db *sql.DB, driverName string, migrationsFS fs.FS) error {
	source, err := iofs.New(migrationsFS, driverName)
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver: %w", err)
	}

	var driver database.Driver
	switch driverName {
	case "postgres":
		driver, err = migratepostgres.WithInstance(db, &migratepostgres.Config{})
	case "sqlite3":
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported database driver %q", driverName)
	}
	if err != nil {
		return fmt.Errorf("failed to set up migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to set up migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.logger != nil {
		s.logger.Info("Starting server", "port", s.port)
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("Server failed to start", "error", err)
			}
		}
	}()

	return s.port, nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("Shutting down server")
	}

	if s.db != nil {
		s.db.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config, migrationsFS fs.FS) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.Server.Port == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(cfg, migrationsFS, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.Server.Port)
	if err != nil {
		return nil, "", err
	}

	return server, port, nil
}
