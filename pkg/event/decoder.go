package event

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// wordChars is the hex width of one ABI-encoded 32-byte word.
	wordChars = 64
	// addressChars is the hex width of an EVM address.
	addressChars = 40
)

// Donation is the decoded DonationForwarded event, enriched with the
// originating transaction hash. All amounts are wei as base-10 decimal
// strings; they stay arbitrary-precision until the final fiat
// multiplication.
type Donation struct {
	Donor      string
	Charity    string
	FullAmount string
	NetAmount  string
	Fee        string
	USDCSent   string // only present for the 4-field event variant
	TxHash     string
}

// Decoder extracts DonationForwarded events from provider payloads.
// The forwarder contract has shipped two ABI revisions differing only
// in the number of non-indexed uint256 fields (3 or 4); the variant is
// configuration, not a separate event.
type Decoder struct {
	fieldCount int
	topic0     common.Hash
	signature  string
}

// NewDecoder builds a decoder for the given event variant.
// fieldCount must be 3 (fullAmount, netAmount, fee) or
// 4 (plus usdcSent).
func NewDecoder(fieldCount int) (*Decoder, error) {
	if fieldCount != 3 && fieldCount != 4 {
		return nil, fmt.Errorf("unsupported field count %d (want 3 or 4)", fieldCount)
	}
	sig := "DonationForwarded(address,address" + strings.Repeat(",uint256", fieldCount) + ")"
	return &Decoder{
		fieldCount: fieldCount,
		topic0:     crypto.Keccak256Hash([]byte(sig)),
		signature:  sig,
	}, nil
}

// Topic0 returns the keccak256 hash of the canonical event signature.
func (d *Decoder) Topic0() common.Hash { return d.topic0 }

// Signature returns the canonical event signature string.
func (d *Decoder) Signature() string { return d.signature }

// Decode locates the DonationForwarded log in the payload and decodes
// it. The second return value is false when no log matches the event
// topic; callers must treat that as a benign no-op (an unrelated
// contract call in the same block), not an error.
func (d *Decoder) Decode(p *Payload) (*Donation, bool, error) {
	for _, l := range p.Logs {
		if !strings.EqualFold(normalizeHex(l.Topic0), d.topic0.Hex()) {
			continue
		}

		donor, err := addressFromTopic(l.Topic1)
		if err != nil {
			return nil, false, fmt.Errorf("decode donor topic: %w", err)
		}
		charity, err := addressFromTopic(l.Topic2)
		if err != nil {
			return nil, false, fmt.Errorf("decode charity topic: %w", err)
		}

		words, err := splitDataWords(l.Data, d.fieldCount)
		if err != nil {
			return nil, false, fmt.Errorf("decode event data: %w", err)
		}

		don := &Donation{
			Donor:      donor,
			Charity:    charity,
			FullAmount: words[0],
			NetAmount:  words[1],
			Fee:        words[2],
		}
		if d.fieldCount == 4 {
			don.USDCSent = words[3]
		}
		if len(p.Txs) > 0 {
			don.TxHash = strings.ToLower(normalizeHex(p.Txs[0].Hash))
		}
		return don, true, nil
	}
	return nil, false, nil
}

// addressFromTopic recovers the 20-byte address from a 32-byte indexed
// topic: the last 40 hex characters, lowercased and 0x-prefixed.
func addressFromTopic(topic string) (string, error) {
	h := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(h) < addressChars {
		return "", fmt.Errorf("topic too short: %q", topic)
	}
	addr := h[len(h)-addressChars:]
	if _, ok := new(big.Int).SetString(addr, 16); !ok {
		return "", fmt.Errorf("topic is not hex: %q", topic)
	}
	return "0x" + addr, nil
}

// splitDataWords slices the data field into n 32-byte big-endian
// integers and renders each as a base-10 decimal string. Floats are
// never involved; uint256 amounts overflow float64 silently.
func splitDataWords(data string, n int) ([]string, error) {
	h := strings.TrimPrefix(strings.ToLower(data), "0x")
	if len(h) < n*wordChars {
		return nil, fmt.Errorf("data holds %d hex chars, need %d", len(h), n*wordChars)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		word := h[i*wordChars : (i+1)*wordChars]
		v, ok := new(big.Int).SetString(word, 16)
		if !ok {
			return nil, fmt.Errorf("word %d is not hex: %q", i, word)
		}
		out = append(out, v.String())
	}
	return out, nil
}

func normalizeHex(s string) string {
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "0x" + s
	}
	return s
}
