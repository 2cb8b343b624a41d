package event

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is the inbound notification body delivered by the
// event-streaming provider for each observed block.
type Payload struct {
	Confirmed bool    `json:"confirmed"`
	ChainID   ChainID `json:"chainId"`
	Block     Block   `json:"block"`
	Logs      []Log   `json:"logs"`
	Txs       []Tx    `json:"txs"`
}

type Block struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"` // unix seconds, decimal string
}

// Log is a raw EVM log entry as serialized by the provider.
// Topics arrive pre-split instead of as a single array.
type Log struct {
	Address string `json:"address"`
	Topic0  string `json:"topic0"`
	Topic1  string `json:"topic1"`
	Topic2  string `json:"topic2"`
	Topic3  string `json:"topic3"`
	Data    string `json:"data"`
}

type Tx struct {
	Hash string `json:"hash"`
}

// ChainID tolerates string, numeric, and hex encodings; providers have
// shipped all three over time. The stored form is always a decimal
// string.
type ChainID string

func (c *ChainID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			if n, err := strconv.ParseInt(s[2:], 16, 64); err == nil {
				s = strconv.FormatInt(n, 10)
			}
		}
		*c = ChainID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = ChainID(strconv.FormatInt(n, 10))
	return nil
}

func (c ChainID) String() string { return string(c) }

// Timestamp returns the block timestamp as unix seconds.
func (b Block) UnixSeconds() (int64, error) {
	return strconv.ParseInt(b.Timestamp, 10, 64)
}
