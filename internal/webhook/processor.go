package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/digidov/receiptd/pkg/chain"
	"github.com/digidov/receiptd/pkg/config"
	"github.com/digidov/receiptd/pkg/event"
	"github.com/digidov/receiptd/pkg/notify"
	"github.com/digidov/receiptd/pkg/receipt"
)

// ErrMissingParty means the donor or charity is not registered. A
// donation cannot be receipted for an unknown party; the delivery is
// a permanent failure until the CRUD layer creates the record.
var ErrMissingParty = errors.New("donor or charity not found")

// Converter is the fiat conversion dependency. Satisfied by
// *pricing.Converter.
type Converter interface {
	ConvertWei(ctx context.Context, wei, token, currency string, decimals int, ts int64) (decimal.Decimal, float64, error)
}

// Notifier dispatches receipt notifications. Satisfied by
// *notify.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, n *notify.Notification) error
}

// Result is the outcome of one webhook delivery, mapped directly to
// the HTTP response.
type Result struct {
	Status  int
	Message string
	Receipt *receipt.DonationReceipt
	// NotificationError reports a best-effort failure after the
	// receipt was committed. It never changes Status.
	NotificationError string
	Err               error
}

// Processor runs the donation receipting pipeline for one configured
// endpoint. All collaborators are injected; the processor holds no
// global state.
type Processor struct {
	cfg      config.WebhookConfig
	decoder  *event.Decoder
	store    receipt.Store
	alloc    receipt.Allocator
	conv     Converter
	notifier Notifier
	currency string
}

// NewProcessor builds a processor for one webhook endpoint.
// notifier may be nil when no outputs are configured.
func NewProcessor(cfg config.WebhookConfig, store receipt.Store, alloc receipt.Allocator, conv Converter, notifier Notifier, currency string) (*Processor, error) {
	dec, err := event.NewDecoder(cfg.FieldCount)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:      cfg,
		decoder:  dec,
		store:    store,
		alloc:    alloc,
		conv:     conv,
		notifier: notifier,
		currency: currency,
	}, nil
}

func fail(status int, msg string, err error) *Result {
	return &Result{Status: status, Message: msg, Err: err}
}

func ack(msg string) *Result {
	return &Result{Status: http.StatusOK, Message: msg}
}

// Process runs the pipeline over one raw delivery. rawBody is the
// unparsed request body; the signature is verified against it before
// anything else touches the payload.
func (p *Processor) Process(ctx context.Context, rawBody []byte, signature string) *Result {
	// 1. Verify signature over the raw body
	if err := event.VerifySignature(rawBody, signature, p.cfg.Secret); err != nil {
		if errors.Is(err, event.ErrNoSecret) {
			log.Error("Webhook endpoint has no secret configured", "path", p.cfg.Path)
			return fail(http.StatusInternalServerError, "server configuration error", err)
		}
		log.Warn("Rejected webhook with bad signature", "path", p.cfg.Path)
		return fail(http.StatusUnauthorized, "invalid signature", err)
	}

	// 2. Parse
	var payload event.Payload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fail(http.StatusBadRequest, "invalid payload", err)
	}

	// 3. Confirmation gate. Providers deliver each transaction twice,
	// once unconfirmed and once confirmed; only the latter is receipted.
	if !payload.Confirmed {
		return ack("transaction not yet confirmed")
	}

	// 4. Decode the donation event
	donation, found, err := p.decoder.Decode(&payload)
	if err != nil {
		return fail(http.StatusBadRequest, "failed to decode event", err)
	}
	if !found {
		return ack("no donation event found")
	}

	preset, ok := chain.Get(payload.ChainID.String())
	if !ok {
		return fail(http.StatusInternalServerError, "unsupported chain",
			fmt.Errorf("no preset for chain id %q", payload.ChainID))
	}

	// 5. Idempotency: a redelivered confirmed webhook must not create
	// a second receipt or burn a counter value.
	if donation.TxHash != "" {
		existing, err := p.store.ReceiptByTx(ctx, donation.TxHash, preset.ChainID)
		if err == nil {
			log.Info("Duplicate delivery acknowledged", "tx", donation.TxHash, "receipt", existing.ReceiptNumber)
			return &Result{Status: http.StatusOK, Message: "transaction already receipted", Receipt: existing}
		}
		if !errors.Is(err, receipt.ErrNotFound) {
			return fail(http.StatusInternalServerError, "receipt lookup failed", err)
		}
	}

	// 6. Look up the parties
	donor, err := p.store.DonorByWallet(ctx, donation.Donor)
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			return fail(http.StatusUnprocessableEntity, "donor not registered", ErrMissingParty)
		}
		return fail(http.StatusInternalServerError, "donor lookup failed", err)
	}
	charity, err := p.store.CharityByWallet(ctx, donation.Charity)
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			return fail(http.StatusUnprocessableEntity, "charity not registered", ErrMissingParty)
		}
		return fail(http.StatusInternalServerError, "charity lookup failed", err)
	}

	ts, err := payload.Block.UnixSeconds()
	if err != nil {
		return fail(http.StatusBadRequest, "invalid block timestamp", err)
	}

	// 7. Fiat conversion. The receipted fair market value is the net
	// amount; full and fee are kept for the charity's records. The
	// converter caches by timestamp so this is one upstream call.
	fiatFull, rate, err := p.conv.ConvertWei(ctx, donation.FullAmount, preset.TokenID, p.currency, preset.Decimals, ts)
	if err != nil {
		return fail(http.StatusBadGateway, "fiat conversion failed", err)
	}
	fiatNet, _, err := p.conv.ConvertWei(ctx, donation.NetAmount, preset.TokenID, p.currency, preset.Decimals, ts)
	if err != nil {
		return fail(http.StatusBadGateway, "fiat conversion failed", err)
	}
	fiatFee, _, err := p.conv.ConvertWei(ctx, donation.Fee, preset.TokenID, p.currency, preset.Decimals, ts)
	if err != nil {
		return fail(http.StatusBadGateway, "fiat conversion failed", err)
	}

	// 8. Allocate the receipt number just before persisting to keep
	// the contention window small. A failure after this point burns
	// the number; gaps are acceptable, repeats are not.
	_, number, err := p.alloc.Next(ctx, charity.Jurisdiction)
	if err != nil {
		return fail(http.StatusInternalServerError, "receipt number allocation failed", err)
	}

	rec := &receipt.DonationReceipt{
		ID:              uuid.NewString(),
		ReceiptNumber:   number,
		DonationDate:    time.Unix(ts, 0).UTC(),
		FiatAmount:      fiatNet,
		FiatCurrency:    p.currency,
		ExchangeRate:    rate,
		CryptoAmountWei: donation.FullAmount,
		NetAmountWei:    donation.NetAmount,
		FeeWei:          donation.Fee,
		FiatFull:        fiatFull,
		FiatFee:         fiatFee,
		CryptoSymbol:    preset.Symbol,
		TxHash:          donation.TxHash,
		ChainID:         preset.ChainID,
		BlockNumber:     payload.Block.Number,
		Jurisdiction:    charity.Jurisdiction,
		DonorID:         donor.ID,
		CharityID:       charity.ID,
	}

	// 9. Persist
	if err := p.store.CreateReceipt(ctx, rec); err != nil {
		if errors.Is(err, receipt.ErrDuplicateReceipt) {
			// Lost a race with a concurrent delivery of the same tx
			existing, lookupErr := p.store.ReceiptByTx(ctx, donation.TxHash, preset.ChainID)
			if lookupErr == nil {
				return &Result{Status: http.StatusOK, Message: "transaction already receipted", Receipt: existing}
			}
		}
		return fail(http.StatusInternalServerError, "failed to persist receipt", err)
	}

	log.Info("Donation receipted",
		"receipt", rec.ReceiptNumber, "tx", rec.TxHash, "chain", rec.ChainID,
		"fiat", rec.FiatAmount.String(), "currency", rec.FiatCurrency)

	// 10. Notify, best effort. The receipt is committed; a mail or
	// broker failure must not fail the delivery.
	res := &Result{Status: http.StatusOK, Message: "receipt created", Receipt: rec}
	if p.notifier != nil {
		n := &notify.Notification{Receipt: rec, Donor: donor, Charity: charity}
		if err := p.notifier.Dispatch(ctx, n); err != nil {
			res.NotificationError = err.Error()
		}
	}
	return res
}
