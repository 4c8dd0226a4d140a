package synth

import (
	"errors"
	"time"
)

// Fixed-point scales used throughout the engine. Oracle prices carry 4
// decimal places, token amounts and USD values carry 8.
const (
	OracleDecimals = 4
	Accuracy       = 8

	PriceScale  uint64 = 10_000      // 1e4
	AmountScale uint64 = 100_000_000 // 1e8

	// UsdPrice is the fixed price of the synthetic USD asset.
	UsdPrice uint64 = 1 * PriceScale
)

const (
	// DefaultCollateralizationLevel is the required collateral-to-debt
	// level in percent. 500 means debt may be at most 1/5 of the
	// collateral's USD value.
	DefaultCollateralizationLevel uint32 = 500

	// DefaultMaxDelay is how old a cached asset price may be before
	// solvency-sensitive operations refuse to use it.
	DefaultMaxDelay = 10 * time.Second

	// DefaultSwapFee is the swap fee in basis points of 1e4 (30 = 0.3%).
	DefaultSwapFee uint64 = 30

	// DefaultMaxAssets caps the basket size.
	DefaultMaxAssets = 8

	// TickerSize is the fixed width of an asset ticker in bytes.
	TickerSize = 8
)

var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotInitialized         = errors.New("not initialized")
	ErrAlreadyInitialized     = errors.New("already initialized")
	ErrWrongAsset             = errors.New("wrong token not synthetic usd")
	ErrMintLimit              = errors.New("mint limit crossed")
	ErrBurnLimit              = errors.New("burn limit crossed")
	ErrInsufficientCollateral = errors.New("not enough collateral")
	ErrAllocation             = errors.New("allocation failed")
	ErrAssetsFull             = errors.New("assets is full")
	ErrDuplicateAsset         = errors.New("asset already registered")
	ErrOutdatedOracle         = errors.New("outdated oracle")
	ErrFeedPaused             = errors.New("price feed paused")
	ErrUnknownFeed            = errors.New("unknown price feed")
	ErrUnknownAsset           = errors.New("unknown asset")
	ErrUnknownAccount         = errors.New("unknown account")
	ErrTickerTooLong          = errors.New("ticker too long")
)

// Asset is one entry in the vault's basket. Index 0 is always the
// synthetic USD asset, index 1 the collateral token.
type Asset struct {
	Ticker       string    `json:"ticker"`
	AssetAddress string    `json:"assetAddress"`
	FeedAddress  string    `json:"feedAddress"` // empty means no feed, never stale
	Price        uint64    `json:"price"`       // cached, PriceScale
	Supply       uint64    `json:"supply"`      // AmountScale
	LastUpdate   time.Time `json:"lastUpdate"`
	Decimals     uint8     `json:"decimals"`
}

// State is the vault singleton.
type State struct {
	Initialized            bool          `json:"initialized"`
	Nonce                  uint8         `json:"nonce"`
	Signer                 string        `json:"signer"`
	Admin                  string        `json:"admin"`
	Debt                   uint64        `json:"debt"`   // pool debt in USD, AmountScale
	Shares                 uint64        `json:"shares"` // sum of all debt shares
	CollateralBalance      uint64        `json:"collateralBalance"`
	CollateralToken        string        `json:"collateralToken"`
	CollateralAccount      string        `json:"collateralAccount"`
	CollateralizationLevel uint32        `json:"collateralizationLevel"`
	MaxDelay               time.Duration `json:"maxDelay"`
	SwapFee                uint64        `json:"swapFee"`
	MaxAssets              int           `json:"maxAssets"`
	Assets                 []Asset       `json:"assets"`
}

// UserAccount tracks one user's claim on the pooled collateral and on the
// outstanding debt. Accounts are never deleted.
type UserAccount struct {
	Owner      string `json:"owner"`
	Collateral uint64 `json:"collateral"`
	Shares     uint64 `json:"shares"`
}

// Event is emitted on the engine's event channel after every successful
// mutating operation.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Event types.
const (
	EventInitialized  = "initialized"
	EventDeposit      = "deposit"
	EventMint         = "mint"
	EventBurn         = "burn"
	EventWithdraw     = "withdraw"
	EventSwap         = "swap"
	EventPriceUpdate  = "price_update"
	EventAssetAdded   = "asset_added"
	EventAccountAdded = "account_created"
)
