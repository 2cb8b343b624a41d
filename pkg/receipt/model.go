package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Jurisdiction is the tax authority a receipt is issued under.
type Jurisdiction string

const (
	CRA Jurisdiction = "CRA" // Canada Revenue Agency
	IRS Jurisdiction = "IRS" // US Internal Revenue Service
)

// Valid reports whether j is a known jurisdiction.
func (j Jurisdiction) Valid() bool {
	return j == CRA || j == IRS
}

// Donor is a registered donor, keyed by lowercase wallet address.
// Rows are created by the profile/CRUD layer; this service only reads
// them.
type Donor struct {
	ID            string `json:"id"`
	WalletAddress string `json:"wallet_address"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
	Address       string `json:"address"`
}

// FullName joins the donor's name parts for display on receipts.
func (d *Donor) FullName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

// Charity is a registered charity, keyed by lowercase wallet address.
type Charity struct {
	ID                 string       `json:"id"`
	WalletAddress      string       `json:"wallet_address"`
	Name               string       `json:"name"`
	RegistrationNumber string       `json:"registration_number"`
	Email              string       `json:"email"`
	Jurisdiction       Jurisdiction `json:"jurisdiction"`
	SignerName         string       `json:"signer_name,omitempty"` // authorized signer printed on receipts, optional
}

// DonationReceipt is the immutable legal record of one on-chain
// donation. Created exactly once per confirmed transaction, never
// mutated, never deleted.
type DonationReceipt struct {
	ID            string    `json:"id"`
	ReceiptNumber string    `json:"receipt_number"`
	DonationDate  time.Time `json:"donation_date"`

	FiatAmount   decimal.Decimal `json:"fiat_amount"` // fair market value of the net amount
	FiatCurrency string          `json:"fiat_currency"`
	ExchangeRate float64         `json:"exchange_rate"` // native-coin price used for the conversion

	CryptoAmountWei string          `json:"crypto_amount_wei"` // full donation in wei, decimal string
	NetAmountWei    string          `json:"net_amount_wei"`
	FeeWei          string          `json:"fee_wei"`
	FiatFull        decimal.Decimal `json:"fiat_full"`
	FiatFee         decimal.Decimal `json:"fiat_fee"`
	CryptoSymbol    string          `json:"crypto_symbol"`

	TxHash       string       `json:"tx_hash"`
	ChainID      string       `json:"chain_id"`
	BlockNumber  string       `json:"block_number"`
	Jurisdiction Jurisdiction `json:"jurisdiction"`

	DonorID   string `json:"donor_id"`
	CharityID string `json:"charity_id"`
}

// FormatNumber renders a receipt number: the jurisdiction lowercased,
// a dash, and the counter zero-padded to at least three digits.
// Counter 1000 produces "cra-1000"; the width is never capped.
func FormatNumber(j Jurisdiction, counter int64) string {
	return fmt.Sprintf("%s-%03d", strings.ToLower(string(j)), counter)
}
