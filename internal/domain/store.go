package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderHistoryStore persists terminal order records.
type OrderHistoryStore interface {
	Record(ctx context.Context, rec OrderRecord) error
	GetByID(ctx context.Context, orderID string) (OrderRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]OrderRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]OrderRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// WalletStore answers balance sufficiency questions.
type WalletStore interface {
	// Balance returns the wallet's holding of asset. Unknown wallets return
	// ErrNotFound.
	Balance(ctx context.Context, walletRef, asset string) (float64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore provides an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
