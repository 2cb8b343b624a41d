package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digidov/receiptd/pkg/config"
	"github.com/digidov/receiptd/pkg/event"
	"github.com/digidov/receiptd/pkg/notify"
	"github.com/digidov/receiptd/pkg/receipt"
)

const (
	testSecret  = "whsec-test"
	donorAddr   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	charityAddr = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakeConverter converts at a fixed rate and counts invocations.
type fakeConverter struct {
	rate  float64
	calls int
	err   error
}

func (f *fakeConverter) ConvertWei(ctx context.Context, wei, token, currency string, decimals int, ts int64) (decimal.Decimal, float64, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, 0, f.err
	}
	d := decimal.RequireFromString(wei)
	return d.Shift(int32(-decimals)).Mul(decimal.NewFromFloat(f.rate)).Round(2), f.rate, nil
}

// countingAlloc wraps an allocator and counts calls.
type countingAlloc struct {
	inner receipt.Allocator
	calls int
}

func (c *countingAlloc) Next(ctx context.Context, j receipt.Jurisdiction) (int64, string, error) {
	c.calls++
	return c.inner.Next(ctx, j)
}

// fakeSender records outbound emails.
type fakeSender struct {
	sent []notify.Message
}

func (f *fakeSender) Send(ctx context.Context, msg notify.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fixture struct {
	proc   *Processor
	store  *receipt.MemoryStore
	alloc  *countingAlloc
	conv   *fakeConverter
	sender *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := receipt.NewMemoryStore()
	store.AddDonor(&receipt.Donor{
		ID:            "d1",
		WalletAddress: donorAddr,
		FirstName:     "Ada",
		LastName:      "Lovelace",
		Email:         "ada@example.org",
		Address:       "1 Math St, Toronto",
	})
	store.AddCharity(&receipt.Charity{
		ID:                 "c1",
		WalletAddress:      charityAddr,
		Name:               "Open Source Relief",
		RegistrationNumber: "123456789RR0001",
		Email:              "finance@osr.example",
		Jurisdiction:       receipt.CRA,
	})

	alloc := &countingAlloc{inner: store}
	conv := &fakeConverter{rate: 3000}
	sender := &fakeSender{}
	dispatcher := notify.NewDispatcher(notify.NewEmailOutput(sender))

	proc, err := NewProcessor(config.WebhookConfig{
		Path:            "/webhooks/moralis",
		Secret:          testSecret,
		SignatureHeader: "x-signature",
		FieldCount:      3,
	}, store, alloc, conv, dispatcher, "usd")
	require.NoError(t, err)

	return &fixture{proc: proc, store: store, alloc: alloc, conv: conv, sender: sender}
}

func testBody(t *testing.T, mutate func(map[string]interface{})) []byte {
	t.Helper()

	dec, err := event.NewDecoder(3)
	require.NoError(t, err)

	pad := func(addr string) string {
		return "0x" + strings.Repeat("0", 24) + addr[2:]
	}
	word := func(dec string) string {
		v, _ := new(big.Int).SetString(dec, 10)
		return fmt.Sprintf("%064x", v)
	}

	payload := map[string]interface{}{
		"confirmed": true,
		"chainId":   "1",
		"block":     map[string]string{"number": "18000000", "timestamp": "1700000000"},
		"logs": []map[string]string{{
			"topic0": dec.Topic0().Hex(),
			"topic1": pad(donorAddr),
			"topic2": pad(charityAddr),
			"data":   "0x" + word("1000000000000000000") + word("970000000000000000") + word("30000000000000000"),
		}},
		"txs": []map[string]string{{"hash": "0x" + strings.Repeat("ab", 32)}},
	}
	if mutate != nil {
		mutate(payload)
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func sign(body []byte) string {
	return event.Sign(body, testSecret)
}

func TestProcess_EndToEnd(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, nil)

	res := f.proc.Process(context.Background(), body, sign(body))

	require.Equal(t, http.StatusOK, res.Status, "err: %v", res.Err)
	require.NotNil(t, res.Receipt)
	rec := res.Receipt

	// Net amount 0.97 ETH at 3000 USD/ETH
	assert.Equal(t, "2910", rec.FiatAmount.String())
	assert.Equal(t, "3000", rec.FiatFull.String())
	assert.Equal(t, "90", rec.FiatFee.String())
	assert.Equal(t, 3000.0, rec.ExchangeRate)
	assert.Equal(t, "1000000000000000000", rec.CryptoAmountWei)
	assert.Equal(t, receipt.CRA, rec.Jurisdiction)
	assert.Regexp(t, regexp.MustCompile(`^cra-\d{3,}$`), rec.ReceiptNumber)
	assert.Equal(t, "ETH", rec.CryptoSymbol)
	assert.Equal(t, int64(1700000000), rec.DonationDate.Unix())

	// Full, net, and fee were each converted
	assert.Equal(t, 3, f.conv.calls)

	// Two emails: donor with attachment, charity without
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "ada@example.org", f.sender.sent[0].ToEmail)
	assert.NotNil(t, f.sender.sent[0].Attachment)
	assert.Equal(t, "finance@osr.example", f.sender.sent[1].ToEmail)
	assert.Nil(t, f.sender.sent[1].Attachment)
}

func TestProcess_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, nil)

	res := f.proc.Process(context.Background(), body, event.Sign(body, "wrong-secret"))

	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.ErrorIs(t, res.Err, event.ErrInvalidSignature)
	// Nothing downstream of verification ran
	assert.Equal(t, 0, f.conv.calls)
	assert.Equal(t, 0, f.alloc.calls)
	assert.Empty(t, f.sender.sent)
}

func TestProcess_MissingSecretIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.proc.cfg.Secret = ""
	body := testBody(t, nil)

	res := f.proc.Process(context.Background(), body, sign(body))
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.ErrorIs(t, res.Err, event.ErrNoSecret)
}

func TestProcess_MalformedBody(t *testing.T) {
	f := newFixture(t)
	body := []byte("{not json")

	// Correctly signed garbage still parses after verification
	res := f.proc.Process(context.Background(), body, sign(body))
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

func TestProcess_UnconfirmedShortCircuit(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, func(p map[string]interface{}) {
		p["confirmed"] = false
	})

	res := f.proc.Process(context.Background(), body, sign(body))

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "transaction not yet confirmed", res.Message)
	assert.Nil(t, res.Receipt)
	assert.Equal(t, 0, f.conv.calls)
	assert.Equal(t, 0, f.alloc.calls)
}

func TestProcess_NoEventShortCircuit(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, func(p map[string]interface{}) {
		logs := p["logs"].([]map[string]string)
		logs[0]["topic0"] = "0x" + strings.Repeat("00", 32)
	})

	res := f.proc.Process(context.Background(), body, sign(body))

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "no donation event found", res.Message)
	assert.Equal(t, 0, f.conv.calls)
	assert.Equal(t, 0, f.alloc.calls)
}

func TestProcess_MissingDonor(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, func(p map[string]interface{}) {
		logs := p["logs"].([]map[string]string)
		logs[0]["topic1"] = "0x" + strings.Repeat("0", 24) + strings.Repeat("c", 40)
	})

	res := f.proc.Process(context.Background(), body, sign(body))

	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.ErrorIs(t, res.Err, ErrMissingParty)
	assert.Equal(t, 0, f.alloc.calls)
}

func TestProcess_ConversionFailure(t *testing.T) {
	f := newFixture(t)
	f.conv.err = assert.AnError
	body := testBody(t, nil)

	res := f.proc.Process(context.Background(), body, sign(body))

	assert.Equal(t, http.StatusBadGateway, res.Status)
	// No number allocated, no receipt persisted
	assert.Equal(t, 0, f.alloc.calls)
	_, err := f.store.ReceiptByTx(context.Background(), "0x"+strings.Repeat("ab", 32), "1")
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestProcess_UnsupportedChain(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, func(p map[string]interface{}) {
		p["chainId"] = "424242"
	})

	res := f.proc.Process(context.Background(), body, sign(body))
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Equal(t, "unsupported chain", res.Message)
}

func TestProcess_HexChainID(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, func(p map[string]interface{}) {
		p["chainId"] = "0x1"
	})

	res := f.proc.Process(context.Background(), body, sign(body))
	require.Equal(t, http.StatusOK, res.Status, "err: %v", res.Err)
	assert.Equal(t, "1", res.Receipt.ChainID)
}

func TestProcess_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, nil)

	first := f.proc.Process(context.Background(), body, sign(body))
	require.Equal(t, http.StatusOK, first.Status)
	require.NotNil(t, first.Receipt)

	second := f.proc.Process(context.Background(), body, sign(body))
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Equal(t, "transaction already receipted", second.Message)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, first.Receipt.ReceiptNumber, second.Receipt.ReceiptNumber)

	// The redelivery burned no counter value and sent no second
	// round of emails
	assert.Equal(t, 1, f.alloc.calls)
	assert.Len(t, f.sender.sent, 2)
}

func TestProcess_HashlessDeliveriesEachReceipted(t *testing.T) {
	f := newFixture(t)
	body := testBody(t, func(p map[string]interface{}) {
		delete(p, "txs")
	})

	first := f.proc.Process(context.Background(), body, sign(body))
	require.Equal(t, http.StatusOK, first.Status)
	require.Equal(t, "receipt created", first.Message)

	// Without a hash there is no idempotency handle: a second
	// donation must get its own receipt, not the first one back
	second := f.proc.Process(context.Background(), body, sign(body))
	require.Equal(t, http.StatusOK, second.Status)
	require.Equal(t, "receipt created", second.Message)

	assert.NotEqual(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, "cra-001", first.Receipt.ReceiptNumber)
	assert.Equal(t, "cra-002", second.Receipt.ReceiptNumber)
	assert.Equal(t, 2, f.alloc.calls)

	_, err := f.store.ReceiptByTx(context.Background(), "", "1")
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestProcess_FourFieldVariant(t *testing.T) {
	store := receipt.NewMemoryStore()
	store.AddDonor(&receipt.Donor{ID: "d1", WalletAddress: donorAddr, Email: "a@b.c"})
	store.AddCharity(&receipt.Charity{ID: "c1", WalletAddress: charityAddr, Jurisdiction: receipt.IRS})

	conv := &fakeConverter{rate: 3000}
	proc, err := NewProcessor(config.WebhookConfig{
		Path: "/webhooks/v2", Secret: testSecret, SignatureHeader: "x-signature", FieldCount: 4,
	}, store, store, conv, nil, "usd")
	require.NoError(t, err)

	dec, _ := event.NewDecoder(4)
	word := func(d string) string {
		v, _ := new(big.Int).SetString(d, 10)
		return fmt.Sprintf("%064x", v)
	}
	payload := map[string]interface{}{
		"confirmed": true,
		"chainId":   8453,
		"block":     map[string]string{"number": "100", "timestamp": "1700000000"},
		"logs": []map[string]string{{
			"topic0": dec.Topic0().Hex(),
			"topic1": "0x" + strings.Repeat("0", 24) + donorAddr[2:],
			"topic2": "0x" + strings.Repeat("0", 24) + charityAddr[2:],
			"data": "0x" + word("2000000000000000000") + word("1940000000000000000") +
				word("60000000000000000") + word("5820000000"),
		}},
		"txs": []map[string]string{{"hash": "0xff01"}},
	}
	body, _ := json.Marshal(payload)

	res := proc.Process(context.Background(), body, sign(body))
	require.Equal(t, http.StatusOK, res.Status, "err: %v", res.Err)
	assert.Equal(t, "irs-001", res.Receipt.ReceiptNumber)
	assert.Equal(t, "8453", res.Receipt.ChainID)
	assert.Equal(t, "5820", res.Receipt.FiatAmount.String())
}

func TestHandler_HTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	Register(r, f.proc)

	body := testBody(t, nil)
	req := httptest.NewRequest("POST", "/webhooks/moralis", strings.NewReader(string(body)))
	req.Header.Set("x-signature", sign(body))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "receipt created", resp["message"])
	assert.NotNil(t, resp["receipt"])
}

func TestHandler_HTTP_BadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	Register(r, f.proc)

	body := testBody(t, nil)
	req := httptest.NewRequest("POST", "/webhooks/moralis", strings.NewReader(string(body)))
	req.Header.Set("x-signature", "0xdeadbeef")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
