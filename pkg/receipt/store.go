package receipt

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateReceipt is returned when a receipt for the same
// (tx hash, chain) pair already exists.
var ErrDuplicateReceipt = errors.New("receipt already exists for transaction")

// Allocator hands out per-jurisdiction receipt numbers. Next must be
// atomic with respect to concurrent callers: two allocations for the
// same jurisdiction never return the same counter value, and values
// are strictly increasing. Gaps are acceptable (an allocated number
// whose receipt insert later fails is simply burned).
type Allocator interface {
	// Next increments the jurisdiction's counter and returns the new
	// value plus the formatted receipt number. The counter row is
	// created lazily at 1 on first allocation.
	Next(ctx context.Context, j Jurisdiction) (int64, string, error)
}

// Store is the persistence surface the webhook processor depends on.
// Donor and charity rows are owned by the CRUD layer and only read
// here; addresses are matched after lowercasing.
type Store interface {
	DonorByWallet(ctx context.Context, address string) (*Donor, error)
	CharityByWallet(ctx context.Context, address string) (*Charity, error)

	// ReceiptByTx looks up an existing receipt for idempotency checks.
	ReceiptByTx(ctx context.Context, txHash, chainID string) (*DonationReceipt, error)

	// CreateReceipt inserts the receipt. A (tx_hash, chain_id)
	// collision returns ErrDuplicateReceipt.
	CreateReceipt(ctx context.Context, r *DonationReceipt) error

	Close() error
}
