package receipt

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store + Allocator (data lost on restart,
// for tests and local development only).
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[Jurisdiction]int64
	donors    map[string]*Donor
	charities map[string]*Charity
	receipts  map[string]*DonationReceipt // keyed by tx_hash|chain_id
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:  make(map[Jurisdiction]int64),
		donors:    make(map[string]*Donor),
		charities: make(map[string]*Charity),
		receipts:  make(map[string]*DonationReceipt),
	}
}

func receiptKey(txHash, chainID string) string {
	return strings.ToLower(txHash) + "|" + chainID
}

// AddDonor registers a donor, normalizing the wallet address.
func (m *MemoryStore) AddDonor(d *Donor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors[strings.ToLower(d.WalletAddress)] = d
}

// AddCharity registers a charity, normalizing the wallet address.
func (m *MemoryStore) AddCharity(c *Charity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charities[strings.ToLower(c.WalletAddress)] = c
}

func (m *MemoryStore) Next(ctx context.Context, j Jurisdiction) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[j]++
	n := m.counters[j]
	return n, FormatNumber(j, n), nil
}

func (m *MemoryStore) DonorByWallet(ctx context.Context, address string) (*Donor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) CharityByWallet(ctx context.Context, address string) (*Charity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charities[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ReceiptByTx(ctx context.Context, txHash, chainID string) (*DonationReceipt, error) {
	if txHash == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[receiptKey(txHash, chainID)]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) CreateReceipt(ctx context.Context, r *DonationReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A missing transaction hash cannot identify a transaction, so
	// hash-less receipts are keyed by id: they never collide with
	// each other and never satisfy a ReceiptByTx lookup.
	if r.TxHash == "" {
		m.receipts["id|"+r.ID] = r
		return nil
	}
	key := receiptKey(r.TxHash, r.ChainID)
	if _, exists := m.receipts[key]; exists {
		return ErrDuplicateReceipt
	}
	m.receipts[key] = r
	return nil
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}
