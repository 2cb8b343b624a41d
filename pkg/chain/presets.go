package chain

import "sync"

// Preset describes the native asset of a supported chain
type Preset struct {
	ChainID  string
	Name     string
	TokenID  string // Asset identifier used by the price API (e.g., "ethereum")
	Symbol   string // Native currency symbol shown on receipts (e.g., "ETH")
	Decimals int    // Native currency decimals (18 for all EVM chains today)
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new chain preset to the global registry.
func Register(chainID string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[chainID] = p
}

// Get retrieves a preset configuration from the registry by chain id.
func Get(chainID string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[chainID]
	return p, ok
}

// Built-in presets
func init() {
	Register("1", Preset{
		ChainID:  "1",
		Name:     "Ethereum Mainnet",
		TokenID:  "ethereum",
		Symbol:   "ETH",
		Decimals: 18,
	})

	Register("137", Preset{
		ChainID:  "137",
		Name:     "Polygon Mainnet",
		TokenID:  "matic-network",
		Symbol:   "POL",
		Decimals: 18,
	})

	Register("8453", Preset{
		ChainID:  "8453",
		Name:     "Base Mainnet",
		TokenID:  "ethereum",
		Symbol:   "ETH",
		Decimals: 18,
	})

	// Sepolia test ETH is priced as mainnet ETH so staging receipts
	// carry realistic fiat amounts.
	Register("11155111", Preset{
		ChainID:  "11155111",
		Name:     "Sepolia Testnet",
		TokenID:  "ethereum",
		Symbol:   "ETH",
		Decimals: 18,
	})
}
