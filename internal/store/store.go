package store

import (
	"context"
	"errors"
	"time"

	"opnameinaja/backend/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced session or product is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when opening a session while another is in progress.
	ErrConflict = errors.New("active session already exists")
	// ErrInvalidState is returned when an operation is illegal for the session's
	// current status (e.g. submitting against a completed session).
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalid is returned for malformed input, detected before any mutation.
	ErrInvalid = errors.New("invalid input")
	// ErrCommitFailed wraps storage failures during finalize. The transaction is
	// rolled back before this is returned, so a retry is always safe.
	ErrCommitFailed = errors.New("reconciliation commit failed")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)

	GetStockMap(ctx context.Context, storeID string, skus []string) (map[string]int, error)
	ListStockLevels(ctx context.Context, storeID string) ([]domain.StockLevel, error)
	IncreaseStock(ctx context.Context, storeID string, adjustments []domain.StockAdjustment) error

	// CreateSession atomically checks the one-active-session invariant and
	// inserts; it returns ErrConflict when another session is in_progress.
	CreateSession(ctx context.Context, session domain.OpnameSession) (*domain.OpnameSession, error)
	// GetSession returns the session with its items eager-loaded in insertion order.
	GetSession(ctx context.Context, id string) (*domain.OpnameSession, error)
	ListSessions(ctx context.Context, limit int) ([]domain.OpnameSession, error)
	// UpsertItem records a count for (session, sku). On first touch it snapshots
	// the current inventory quantity as SystemQty inside the same transaction;
	// on re-touch it updates CountedQty and Note only. Returns ErrInvalidState
	// if the session is not in_progress.
	UpsertItem(ctx context.Context, sessionID string, sku string, countedQty int, note string) (*domain.OpnameItem, error)
	ListItems(ctx context.Context, sessionID string) ([]domain.OpnameItem, error)
	// FinalizeSession applies every item's CountedQty to the inventory store as
	// an absolute overwrite and closes the session, all in one transaction.
	// Storage failures roll back completely and surface as ErrCommitFailed.
	FinalizeSession(ctx context.Context, id string, finalNote string, at time.Time) (*domain.OpnameSession, error)
	CancelSession(ctx context.Context, id string, at time.Time) (*domain.OpnameSession, error)

	CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error
	ListActivityLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
