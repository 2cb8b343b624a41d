package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for a unique constraint.
const uniqueViolation = "23505"

// PostgresStore implements Store and Allocator on Postgres.
type PostgresStore struct {
	db     *sql.DB
	prefix string
}

// NewPostgresStore opens a connection and ensures the schema exists.
// tablePrefix defaults to "digidov_".
func NewPostgresStore(connStr string, tablePrefix string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	if tablePrefix == "" {
		tablePrefix = "digidov_"
	}

	store := &PostgresStore{db: db, prefix: tablePrefix}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) table(name string) string {
	return s.prefix + name
}

// initSchema creates the tables this service owns. Donor and charity
// tables are created IF NOT EXISTS too so a fresh environment can
// boot, but their rows come from the CRUD layer.
func (s *PostgresStore) initSchema() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]sdonors (
		id VARCHAR(64) PRIMARY KEY,
		wallet_address VARCHAR(42) UNIQUE NOT NULL,
		first_name TEXT,
		last_name TEXT,
		email TEXT,
		address TEXT
	);
	CREATE TABLE IF NOT EXISTS %[1]scharities (
		id VARCHAR(64) PRIMARY KEY,
		wallet_address VARCHAR(42) UNIQUE NOT NULL,
		name TEXT,
		registration_number TEXT,
		email TEXT,
		jurisdiction VARCHAR(8),
		signer_name TEXT
	);
	CREATE TABLE IF NOT EXISTS %[1]sreceipt_counters (
		jurisdiction VARCHAR(8) PRIMARY KEY,
		counter BIGINT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS %[1]sreceipts (
		id VARCHAR(64) PRIMARY KEY,
		receipt_number TEXT NOT NULL,
		donation_date TIMESTAMPTZ NOT NULL,
		fiat_amount NUMERIC(20, 2) NOT NULL,
		fiat_currency VARCHAR(8) NOT NULL,
		exchange_rate DOUBLE PRECISION NOT NULL,
		crypto_amount_wei NUMERIC(78, 0) NOT NULL,
		net_amount_wei NUMERIC(78, 0) NOT NULL,
		fee_wei NUMERIC(78, 0) NOT NULL,
		fiat_full NUMERIC(20, 2) NOT NULL,
		fiat_fee NUMERIC(20, 2) NOT NULL,
		crypto_symbol VARCHAR(16) NOT NULL,
		tx_hash VARCHAR(66) NOT NULL,
		chain_id VARCHAR(16) NOT NULL,
		block_number TEXT,
		jurisdiction VARCHAR(8) NOT NULL,
		donor_id VARCHAR(64) NOT NULL,
		charity_id VARCHAR(64) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS %[1]sreceipts_tx_chain
		ON %[1]sreceipts (tx_hash, chain_id) WHERE tx_hash <> '';
	`, s.prefix)
	_, err := s.db.Exec(query)
	return err
}

// Next allocates the next receipt number inside a single transaction.
// The upsert reads and writes the counter in one statement, so
// concurrent allocators serialize on the row lock and never observe
// the same value.
func (s *PostgresStore) Next(ctx context.Context, j Jurisdiction) (int64, string, error) {
	if !j.Valid() {
		return 0, "", fmt.Errorf("unknown jurisdiction %q", j)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (jurisdiction, counter) VALUES ($1, 1)
	ON CONFLICT (jurisdiction)
	DO UPDATE SET counter = %[1]s.counter + 1
	RETURNING counter;
	`, s.table("receipt_counters"))

	var counter int64
	if err := tx.QueryRowContext(ctx, query, string(j)).Scan(&counter); err != nil {
		return 0, "", err
	}
	if err := tx.Commit(); err != nil {
		return 0, "", err
	}

	return counter, FormatNumber(j, counter), nil
}

func (s *PostgresStore) DonorByWallet(ctx context.Context, address string) (*Donor, error) {
	query := fmt.Sprintf(`
	SELECT id, wallet_address, first_name, last_name, email, address
	FROM %s WHERE wallet_address = $1`, s.table("donors"))

	var d Donor
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(address)).Scan(
		&d.ID, &d.WalletAddress, &d.FirstName, &d.LastName, &d.Email, &d.Address)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CharityByWallet(ctx context.Context, address string) (*Charity, error) {
	query := fmt.Sprintf(`
	SELECT id, wallet_address, name, registration_number, email, jurisdiction, signer_name
	FROM %s WHERE wallet_address = $1`, s.table("charities"))

	var c Charity
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(address)).Scan(
		&c.ID, &c.WalletAddress, &c.Name, &c.RegistrationNumber, &c.Email, &c.Jurisdiction, &c.SignerName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ReceiptByTx(ctx context.Context, txHash, chainID string) (*DonationReceipt, error) {
	// An empty hash identifies nothing. Hash-less receipts sit outside
	// the unique index and must never answer an idempotency lookup.
	if txHash == "" {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`
	SELECT id, receipt_number, donation_date, fiat_amount, fiat_currency, exchange_rate,
		crypto_amount_wei, net_amount_wei, fee_wei, fiat_full, fiat_fee, crypto_symbol,
		tx_hash, chain_id, block_number, jurisdiction, donor_id, charity_id
	FROM %s WHERE tx_hash = $1 AND chain_id = $2`, s.table("receipts"))

	var r DonationReceipt
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(txHash), chainID).Scan(
		&r.ID, &r.ReceiptNumber, &r.DonationDate, &r.FiatAmount, &r.FiatCurrency, &r.ExchangeRate,
		&r.CryptoAmountWei, &r.NetAmountWei, &r.FeeWei, &r.FiatFull, &r.FiatFee, &r.CryptoSymbol,
		&r.TxHash, &r.ChainID, &r.BlockNumber, &r.Jurisdiction, &r.DonorID, &r.CharityID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateReceipt(ctx context.Context, r *DonationReceipt) error {
	query := fmt.Sprintf(`
	INSERT INTO %s (id, receipt_number, donation_date, fiat_amount, fiat_currency, exchange_rate,
		crypto_amount_wei, net_amount_wei, fee_wei, fiat_full, fiat_fee, crypto_symbol,
		tx_hash, chain_id, block_number, jurisdiction, donor_id, charity_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.table("receipts"))

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ReceiptNumber, r.DonationDate, r.FiatAmount, r.FiatCurrency, r.ExchangeRate,
		r.CryptoAmountWei, r.NetAmountWei, r.FeeWei, r.FiatFull, r.FiatFee, r.CryptoSymbol,
		strings.ToLower(r.TxHash), r.ChainID, r.BlockNumber, string(r.Jurisdiction), r.DonorID, r.CharityID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateReceipt
	}
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
