package synth

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"golang.org/x/crypto/blake2b"
)

// Engine is the vault accounting engine. It owns the singleton vault
// state, the user accounts, the price feed store and the token ledger,
// and executes every public operation atomically: all checks run before
// any mutation, so a failed operation leaves state byte-identical.
type Engine struct {
	mu      sync.RWMutex
	state   State
	users   map[string]*UserAccount
	feeds   *FeedStore
	tokens  *TokenLedger
	store   *Store
	logger  log.Logger
	now     func() time.Time
	userSeq uint64

	// Events receives one event per successful mutating operation.
	// Sends are non-blocking; slow consumers drop events.
	Events chan *Event
}

// Config configures a new engine.
type Config struct {
	Admin                  string
	CollateralizationLevel uint32
	MaxDelay               time.Duration
	SwapFee                uint64
	MaxAssets              int
	Feeds                  *FeedStore
	Tokens                 *TokenLedger
	Store                  *Store
	Logger                 log.Logger
}

// NewEngine allocates the uninitialized vault singleton. If a store is
// configured and holds a previous snapshot, the engine restores from it.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.CollateralizationLevel == 0 {
		cfg.CollateralizationLevel = DefaultCollateralizationLevel
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.SwapFee == 0 {
		cfg.SwapFee = DefaultSwapFee
	}
	if cfg.MaxAssets == 0 {
		cfg.MaxAssets = DefaultMaxAssets
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root().New("module", "synth")
	}
	if cfg.Feeds == nil {
		cfg.Feeds = NewFeedStore(0, cfg.Logger)
	}
	if cfg.Tokens == nil {
		cfg.Tokens = NewTokenLedger()
	}

	e := &Engine{
		state: State{
			Admin:                  cfg.Admin,
			CollateralizationLevel: cfg.CollateralizationLevel,
			MaxDelay:               cfg.MaxDelay,
			SwapFee:                cfg.SwapFee,
			MaxAssets:              cfg.MaxAssets,
			Assets:                 []Asset{},
		},
		users:  make(map[string]*UserAccount),
		feeds:  cfg.Feeds,
		tokens: cfg.Tokens,
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    time.Now,
		Events: make(chan *Event, 1024),
	}

	if e.store != nil {
		restored, err := e.store.Restore(e)
		if err != nil {
			return nil, fmt.Errorf("restore state: %w", err)
		}
		if restored {
			e.logger.Info("Engine state restored",
				"initialized", e.state.Initialized,
				"users", len(e.users),
				"assets", len(e.state.Assets))
		}
	}
	return e, nil
}

// Tokens exposes the token ledger collaborator.
func (e *Engine) Tokens() *TokenLedger { return e.tokens }

// Initialize transitions the singleton from Uninitialized to
// Initialized exactly once, installing the synthetic USD and collateral
// basket entries.
func (e *Engine) Initialize(caller string, nonce uint8, signer, collateralToken, collateralAccount, collateralFeed, usdToken string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.state.Admin {
		return ErrUnauthorized
	}
	if e.state.Initialized {
		return ErrAlreadyInitialized
	}
	custodyToken, err := e.tokens.accountToken(collateralAccount)
	if err != nil {
		return err
	}
	if custodyToken != collateralToken {
		return ErrWrongMint
	}

	collateralTicker := ""
	if feed, err := e.feeds.Get(collateralFeed); err == nil {
		collateralTicker = feed.Ticker
	}

	e.state.Initialized = true
	e.state.Nonce = nonce
	e.state.Signer = signer
	e.state.CollateralToken = collateralToken
	e.state.CollateralAccount = collateralAccount
	e.state.Assets = []Asset{
		{
			Ticker:       "xUSD",
			AssetAddress: usdToken,
			FeedAddress:  "", // fixed 1:1, never refreshed
			Price:        UsdPrice,
			Supply:       0,
			Decimals:     Accuracy,
		},
		{
			Ticker:       collateralTicker,
			AssetAddress: collateralToken,
			FeedAddress:  collateralFeed,
			Price:        0, // unusable until the first refresh
			Supply:       0,
			Decimals:     Accuracy,
		},
	}

	e.persist(nil)
	e.emit(EventInitialized, map[string]interface{}{
		"signer":          signer,
		"collateralToken": collateralToken,
		"usdToken":        usdToken,
	})
	e.logger.Info("Vault initialized",
		"signer", signer,
		"collateralToken", collateralToken,
		"usdToken", usdToken)
	return nil
}

// CreateUserAccount allocates a zeroed account bound to owner and
// returns its identity.
func (e *Engine) CreateUserAccount(owner string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return "", ErrNotInitialized
	}
	e.userSeq++
	h, _ := blake2b.New256(nil)
	h.Write([]byte("user"))
	h.Write([]byte(owner))
	h.Write([]byte(fmt.Sprintf("%d", e.userSeq)))
	id := hex.EncodeToString(h.Sum(nil))[:32]

	e.users[id] = &UserAccount{Owner: owner}
	e.persist([]string{id})
	e.emit(EventAccountAdded, map[string]interface{}{"account": id, "owner": owner})
	return id, nil
}

// Deposit moves collateral from the caller's token account into custody
// and credits the user account. A zero amount is a legal no-op.
func (e *Engine) Deposit(caller, accountID, fromTokenAccount string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	user, ok := e.users[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if user.Owner != caller {
		return ErrUnauthorized
	}
	if amount == 0 {
		return nil
	}
	if err := e.tokens.Transfer(caller, fromTokenAccount, e.state.CollateralAccount, amount); err != nil {
		return err
	}

	user.Collateral += amount
	e.state.CollateralBalance += amount
	e.persist([]string{accountID})
	e.emit(EventDeposit, map[string]interface{}{"account": accountID, "amount": amount})
	return nil
}

// UpdatePrice pulls the referenced feed's current price into the
// matching basket entry. A paused feed blocks the refresh, so its asset
// goes stale and solvency-sensitive operations start failing.
func (e *Engine) UpdatePrice(feedAddress string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	var asset *Asset
	for i := range e.state.Assets {
		if e.state.Assets[i].FeedAddress == feedAddress {
			asset = &e.state.Assets[i]
			break
		}
	}
	if asset == nil {
		return ErrUnknownFeed
	}
	feed, err := e.feeds.Get(feedAddress)
	if err != nil {
		return err
	}
	if feed.Paused {
		return ErrFeedPaused
	}

	asset.Price = feed.Price
	asset.LastUpdate = e.now()
	e.persist(nil)
	e.emit(EventPriceUpdate, map[string]interface{}{
		"ticker": asset.Ticker,
		"asset":  asset.AssetAddress,
		"feed":   feedAddress,
		"price":  feed.Price,
	})
	return nil
}

// Mint issues amount of the synthetic USD asset against the caller's
// collateral, charging debt shares at the current share price.
func (e *Engine) Mint(caller, accountID, tokenAddress, toTokenAccount string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	user, ok := e.users[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if user.Owner != caller {
		return ErrUnauthorized
	}
	if tokenAddress != e.state.Assets[0].AssetAddress {
		return ErrWrongAsset
	}
	destToken, err := e.tokens.accountToken(toTokenAccount)
	if err != nil {
		return err
	}
	if destToken != tokenAddress {
		return ErrWrongMint
	}

	now := e.now()
	debt, err := calculateDebt(e.state.Assets, now, e.state.MaxDelay)
	if err != nil {
		return err
	}
	userDebt := calculateUserDebt(user, debt, e.state.Shares)
	collateralAsset := &e.state.Assets[1]
	mintAsset := &e.state.Assets[0]
	mintUsd := usdValue(amount, mintAsset.Price, mintAsset.Decimals)
	maxUserDebt := calculateMaxUserDebt(collateralAsset, e.state.CollateralizationLevel, user)
	if maxUserDebt < userDebt || maxUserDebt-userDebt < mintUsd {
		return ErrMintLimit
	}
	newShares := calculateNewShares(e.state.Shares, debt, mintUsd)

	if err := e.tokens.MintTo(e.state.Signer, tokenAddress, toTokenAccount, amount); err != nil {
		return err
	}
	e.state.Debt = debt + mintUsd
	e.state.Shares += newShares
	user.Shares += newShares
	mintAsset.Supply += amount

	e.persist([]string{accountID})
	e.emit(EventMint, map[string]interface{}{
		"account": accountID,
		"amount":  amount,
		"shares":  newShares,
	})
	return nil
}

// Burn retires amount of synthetic USD from the caller's token account,
// releasing the corresponding debt shares. Burning more than the
// account's proportional debt is rejected whole; there is no clamping
// and no fee.
func (e *Engine) Burn(caller, accountID, tokenAccount string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	user, ok := e.users[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if user.Owner != caller {
		return ErrUnauthorized
	}
	accToken, err := e.tokens.accountToken(tokenAccount)
	if err != nil {
		return err
	}
	usdAsset := &e.state.Assets[0]
	if accToken != usdAsset.AssetAddress {
		return ErrWrongAsset
	}

	now := e.now()
	debt, err := calculateDebt(e.state.Assets, now, e.state.MaxDelay)
	if err != nil {
		return err
	}
	userDebt := calculateUserDebt(user, debt, e.state.Shares)
	if userDebt == 0 {
		return ErrBurnLimit
	}
	burnedShares := calculateBurnedShares(usdAsset, userDebt, user.Shares, amount)
	if burnedShares > user.Shares {
		return ErrBurnLimit
	}
	burnUsd := usdValue(amount, usdAsset.Price, usdAsset.Decimals)
	if err := e.tokens.canDebit(e.state.Signer, tokenAccount, amount); err != nil {
		return err
	}

	if err := e.tokens.Burn(e.state.Signer, tokenAccount, amount); err != nil {
		return err
	}
	usdAsset.Supply -= amount
	e.state.Debt = debt - burnUsd
	e.state.Shares -= burnedShares
	user.Shares -= burnedShares

	e.persist([]string{accountID})
	e.emit(EventBurn, map[string]interface{}{
		"account": accountID,
		"amount":  amount,
		"shares":  burnedShares,
	})
	return nil
}

// Withdraw releases collateral from custody back to the caller, as long
// as the remaining collateral still covers the account's debt at the
// required level.
func (e *Engine) Withdraw(caller, accountID, toTokenAccount string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	user, ok := e.users[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if user.Owner != caller {
		return ErrUnauthorized
	}
	destToken, err := e.tokens.accountToken(toTokenAccount)
	if err != nil {
		return err
	}
	if destToken != e.state.CollateralToken {
		return ErrWrongMint
	}

	now := e.now()
	debt, err := calculateDebt(e.state.Assets, now, e.state.MaxDelay)
	if err != nil {
		return err
	}
	collateralAsset := &e.state.Assets[1]
	if stale(collateralAsset, now, e.state.MaxDelay) {
		return ErrOutdatedOracle
	}
	userDebt := calculateUserDebt(user, debt, e.state.Shares)
	maxUserDebt := calculateMaxUserDebt(collateralAsset, e.state.CollateralizationLevel, user)
	maxWithdrawUsd := calculateMaxWithdraw(maxUserDebt, userDebt, e.state.CollateralizationLevel)
	maxWithdrawTokens := calculateMaxBurnedInToken(collateralAsset, maxWithdrawUsd)
	if amount > maxWithdrawTokens || amount > user.Collateral {
		return ErrInsufficientCollateral
	}

	if err := e.tokens.Transfer(e.state.Signer, e.state.CollateralAccount, toTokenAccount, amount); err != nil {
		return err
	}
	user.Collateral -= amount
	e.state.CollateralBalance -= amount

	e.persist([]string{accountID})
	e.emit(EventWithdraw, map[string]interface{}{"account": accountID, "amount": amount})
	return nil
}

// Swap exchanges one synthetic asset for another at cached oracle
// prices, charging the fixed fee. Debt shares are untouched: swaps move
// value between basket entries, not in or out of the pool.
func (e *Engine) Swap(caller, accountID, inToken, outToken, inTokenAccount, outTokenAccount string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	user, ok := e.users[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if user.Owner != caller {
		return ErrUnauthorized
	}
	if inToken == outToken {
		return ErrWrongAsset
	}
	// The collateral entry is not vault-minted; only synthetics swap.
	if inToken == e.state.CollateralToken || outToken == e.state.CollateralToken {
		return ErrWrongAsset
	}
	assetIn := e.findAsset(inToken)
	assetOut := e.findAsset(outToken)
	if assetIn == nil || assetOut == nil {
		return ErrUnknownAsset
	}

	now := e.now()
	if stale(assetIn, now, e.state.MaxDelay) || stale(assetOut, now, e.state.MaxDelay) {
		return ErrOutdatedOracle
	}
	if accToken, err := e.tokens.accountToken(inTokenAccount); err != nil {
		return err
	} else if accToken != inToken {
		return ErrWrongMint
	}
	if accToken, err := e.tokens.accountToken(outTokenAccount); err != nil {
		return err
	} else if accToken != outToken {
		return ErrWrongMint
	}
	if err := e.tokens.canDebit(e.state.Signer, inTokenAccount, amount); err != nil {
		return err
	}
	amountOut := calculateSwapOut(assetIn, assetOut, amount, e.state.SwapFee)

	if err := e.tokens.Burn(e.state.Signer, inTokenAccount, amount); err != nil {
		return err
	}
	if err := e.tokens.MintTo(e.state.Signer, outToken, outTokenAccount, amountOut); err != nil {
		return err
	}
	assetIn.Supply -= amount
	assetOut.Supply += amountOut

	e.persist([]string{accountID})
	e.emit(EventSwap, map[string]interface{}{
		"account":   accountID,
		"in":        assetIn.Ticker,
		"out":       assetOut.Ticker,
		"amountIn":  amount,
		"amountOut": amountOut,
	})
	return nil
}

// AddAsset appends a new synthetic asset to the basket. Admin-gated;
// duplicates are rejected and the basket has a fixed capacity. The new
// entry is unusable until its feed is refreshed.
func (e *Engine) AddAsset(caller, ticker, assetAddress, feedAddress string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Initialized {
		return ErrNotInitialized
	}
	if caller != e.state.Admin {
		return ErrUnauthorized
	}
	if len(e.state.Assets) >= e.state.MaxAssets {
		return ErrAssetsFull
	}
	if len(ticker) > TickerSize {
		return ErrTickerTooLong
	}
	for i := range e.state.Assets {
		if e.state.Assets[i].AssetAddress == assetAddress {
			return ErrDuplicateAsset
		}
	}

	e.state.Assets = append(e.state.Assets, Asset{
		Ticker:       ticker,
		AssetAddress: assetAddress,
		FeedAddress:  feedAddress,
		Price:        0,
		Supply:       0,
		Decimals:     Accuracy,
	})
	e.persist(nil)
	e.emit(EventAssetAdded, map[string]interface{}{"ticker": ticker, "asset": assetAddress})
	return nil
}

// CreateFeed allocates a price feed in the oracle store. The oracle is
// independent of vault initialization.
func (e *Engine) CreateFeed(admin string, initialPrice uint64, ticker string) (string, error) {
	id, err := e.feeds.Create(admin, initialPrice, ticker)
	if err != nil {
		return "", err
	}
	e.persistFeed(id)
	return id, nil
}

// SetFeedPrice updates an oracle feed. Admin-gated by the store.
func (e *Engine) SetFeedPrice(caller, id string, price uint64) error {
	if err := e.feeds.SetPrice(caller, id, price); err != nil {
		return err
	}
	e.persistFeed(id)
	return nil
}

// SetFeedPaused toggles an oracle feed's pause flag.
func (e *Engine) SetFeedPaused(caller, id string, paused bool) error {
	if err := e.feeds.SetPaused(caller, id, paused); err != nil {
		return err
	}
	e.persistFeed(id)
	return nil
}

// GetFeed reads a feed, paused or not.
func (e *Engine) GetFeed(id string) (PriceFeed, error) {
	return e.feeds.Get(id)
}

// StateSnapshot returns a deep copy of the vault state.
func (e *Engine) StateSnapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.state
	st.Assets = make([]Asset, len(e.state.Assets))
	copy(st.Assets, e.state.Assets)
	return st
}

// Account returns a copy of a user account.
func (e *Engine) Account(accountID string) (UserAccount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	user, ok := e.users[accountID]
	if !ok {
		return UserAccount{}, ErrUnknownAccount
	}
	return *user, nil
}

// AccountStats reports the account's debt position at current cached
// prices. Fails if any relevant price is stale.
type AccountStats struct {
	Collateral uint64 `json:"collateral"`
	Shares     uint64 `json:"shares"`
	DebtUsd    uint64 `json:"debtUsd"`
	MaxDebtUsd uint64 `json:"maxDebtUsd"`
	MaxBurn    uint64 `json:"maxBurn"` // synthetic USD retiring the whole debt
}

// Stats computes the account's position at current cached prices.
func (e *Engine) Stats(accountID string) (AccountStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.state.Initialized {
		return AccountStats{}, ErrNotInitialized
	}
	user, ok := e.users[accountID]
	if !ok {
		return AccountStats{}, ErrUnknownAccount
	}
	debt, err := calculateDebt(e.state.Assets, e.now(), e.state.MaxDelay)
	if err != nil {
		return AccountStats{}, err
	}
	userDebt := calculateUserDebt(user, debt, e.state.Shares)
	stats := AccountStats{
		Collateral: user.Collateral,
		Shares:     user.Shares,
		DebtUsd:    userDebt,
		MaxDebtUsd: calculateMaxUserDebt(&e.state.Assets[1], e.state.CollateralizationLevel, user),
	}
	if userDebt > 0 {
		stats.MaxBurn = calculateMaxBurnedInToken(&e.state.Assets[0], userDebt)
	}
	return stats, nil
}

func (e *Engine) findAsset(assetAddress string) *Asset {
	for i := range e.state.Assets {
		if e.state.Assets[i].AssetAddress == assetAddress {
			return &e.state.Assets[i]
		}
	}
	return nil
}

// persist snapshots the vault state, the touched user accounts and the
// token ledger. Persistence failures are logged, not surfaced: the
// in-memory state remains authoritative for the completed operation.
func (e *Engine) persist(touched []string) {
	if e.store == nil {
		return
	}
	users := make(map[string]*UserAccount, len(touched))
	for _, id := range touched {
		if u, ok := e.users[id]; ok {
			users[id] = u
		}
	}
	if err := e.store.SaveVault(&e.state, users, e.tokens); err != nil {
		e.logger.Error("Failed to persist state", "error", err)
	}
}

func (e *Engine) persistFeed(id string) {
	if e.store == nil {
		return
	}
	feed, err := e.feeds.Get(id)
	if err != nil {
		return
	}
	if err := e.store.SaveFeed(feed); err != nil {
		e.logger.Error("Failed to persist feed", "error", err, "feed", id)
	}
}

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	ev := &Event{Type: eventType, Data: data, Timestamp: e.now()}
	select {
	case e.Events <- ev:
	default:
		// Channel full, drop event
	}
}
