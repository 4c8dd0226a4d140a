package synth

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin  = "admin"
	testSigner = "vault-signer"
	testWallet = "wallet"
)

type testEnv struct {
	t      *testing.T
	engine *Engine

	collateralToken string
	usdToken        string
	custody         string
	feedID          string

	userSeq int
}

type testUser struct {
	owner         string
	accountID     string
	collateralAcc string
	usdAcc        string
}

// newTestEnv boots an initialized vault: collateral token minted by the
// test wallet, synthetic USD minted by the vault signer, collateral feed
// at price 2.
func newTestEnv(t *testing.T) *testEnv {
	tokens := NewTokenLedger()
	engine, err := NewEngine(Config{
		Admin:  testAdmin,
		Tokens: tokens,
		Logger: testLogger(),
	})
	require.NoError(t, err)

	collateralToken := tokens.CreateToken(testWallet, 8)
	usdToken := tokens.CreateToken(testSigner, 8)
	custody, err := tokens.CreateAccount(collateralToken, testSigner)
	require.NoError(t, err)

	feedID, err := engine.CreateFeed(testAdmin, 2*prc, "SNY")
	require.NoError(t, err)

	require.NoError(t, engine.Initialize(testAdmin, 1, testSigner, collateralToken, custody, feedID, usdToken))
	require.NoError(t, engine.UpdatePrice(feedID))

	return &testEnv{
		t:               t,
		engine:          engine,
		collateralToken: collateralToken,
		usdToken:        usdToken,
		custody:         custody,
		feedID:          feedID,
	}
}

// newUser creates an account with token accounts and an optional
// deposited collateral balance.
func (env *testEnv) newUser(collateral uint64) *testUser {
	env.userSeq++
	owner := fmt.Sprintf("user%d", env.userSeq)

	accountID, err := env.engine.CreateUserAccount(owner)
	require.NoError(env.t, err)
	collateralAcc, err := env.engine.Tokens().CreateAccount(env.collateralToken, owner)
	require.NoError(env.t, err)
	usdAcc, err := env.engine.Tokens().CreateAccount(env.usdToken, owner)
	require.NoError(env.t, err)

	if collateral > 0 {
		require.NoError(env.t, env.engine.Tokens().MintTo(testWallet, env.collateralToken, collateralAcc, collateral))
		require.NoError(env.t, env.engine.Deposit(owner, accountID, collateralAcc, collateral))
	}

	return &testUser{
		owner:         owner,
		accountID:     accountID,
		collateralAcc: collateralAcc,
		usdAcc:        usdAcc,
	}
}

func (env *testEnv) mint(u *testUser, amount uint64) error {
	return env.engine.Mint(u.owner, u.accountID, env.usdToken, u.usdAcc, amount)
}

// burn approves the vault signer before burning, the way a wallet signs
// an approval alongside the burn instruction.
func (env *testEnv) burn(u *testUser, amount uint64) error {
	require.NoError(env.t, env.engine.Tokens().Approve(u.owner, u.usdAcc, testSigner, amount))
	return env.engine.Burn(u.owner, u.accountID, u.usdAcc, amount)
}

func (env *testEnv) usdBalance(u *testUser) uint64 {
	balance, err := env.engine.Tokens().Balance(u.usdAcc)
	require.NoError(env.t, err)
	return balance
}

func TestInitialize(t *testing.T) {
	t.Run("InstallsBasket", func(t *testing.T) {
		env := newTestEnv(t)

		state := env.engine.StateSnapshot()
		assert.True(t, state.Initialized)
		assert.Equal(t, testSigner, state.Signer)
		assert.Equal(t, uint8(1), state.Nonce)
		require.Len(t, state.Assets, 2)

		assert.Equal(t, "xUSD", state.Assets[0].Ticker)
		assert.Equal(t, env.usdToken, state.Assets[0].AssetAddress)
		assert.Equal(t, UsdPrice, state.Assets[0].Price)
		assert.Empty(t, state.Assets[0].FeedAddress)

		assert.Equal(t, "SNY", state.Assets[1].Ticker)
		assert.Equal(t, env.collateralToken, state.Assets[1].AssetAddress)
		assert.Equal(t, env.feedID, state.Assets[1].FeedAddress)
		assert.Equal(t, 2*prc, state.Assets[1].Price)
	})

	t.Run("OnlyOnce", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.engine.Initialize(testAdmin, 1, testSigner, env.collateralToken, env.custody, env.feedID, env.usdToken)
		assert.ErrorIs(t, err, ErrAlreadyInitialized)
	})

	t.Run("AdminOnly", func(t *testing.T) {
		tokens := NewTokenLedger()
		engine, err := NewEngine(Config{Admin: testAdmin, Tokens: tokens, Logger: testLogger()})
		require.NoError(t, err)
		collateral := tokens.CreateToken(testWallet, 8)
		usd := tokens.CreateToken(testSigner, 8)
		custody, err := tokens.CreateAccount(collateral, testSigner)
		require.NoError(t, err)

		err = engine.Initialize("intruder", 1, testSigner, collateral, custody, "", usd)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("CustodyMustHoldCollateral", func(t *testing.T) {
		tokens := NewTokenLedger()
		engine, err := NewEngine(Config{Admin: testAdmin, Tokens: tokens, Logger: testLogger()})
		require.NoError(t, err)
		collateral := tokens.CreateToken(testWallet, 8)
		usd := tokens.CreateToken(testSigner, 8)
		wrongCustody, err := tokens.CreateAccount(usd, testSigner)
		require.NoError(t, err)

		err = engine.Initialize(testAdmin, 1, testSigner, collateral, wrongCustody, "", usd)
		assert.ErrorIs(t, err, ErrWrongMint)
	})

	t.Run("OperationsBeforeInit", func(t *testing.T) {
		engine, err := NewEngine(Config{Admin: testAdmin, Logger: testLogger()})
		require.NoError(t, err)

		_, err = engine.CreateUserAccount("alice")
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.ErrorIs(t, engine.Deposit("alice", "acc", "token-acc", amt), ErrNotInitialized)
		assert.ErrorIs(t, engine.UpdatePrice("feed"), ErrNotInitialized)
	})
}

func TestDeposit(t *testing.T) {
	t.Run("BalancesTrackDeposits", func(t *testing.T) {
		env := newTestEnv(t)
		u1 := env.newUser(100 * amt)
		u2 := env.newUser(50 * amt)

		state := env.engine.StateSnapshot()
		assert.Equal(t, 150*amt, state.CollateralBalance)

		custodyBal, err := env.engine.Tokens().Balance(env.custody)
		require.NoError(t, err)
		assert.Equal(t, 150*amt, custodyBal)

		acc1, err := env.engine.Account(u1.accountID)
		require.NoError(t, err)
		assert.Equal(t, 100*amt, acc1.Collateral)
		acc2, err := env.engine.Account(u2.accountID)
		require.NoError(t, err)
		assert.Equal(t, 50*amt, acc2.Collateral)
	})

	t.Run("RepeatedDepositsAccumulate", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(0)
		require.NoError(t, env.engine.Tokens().MintTo(testWallet, env.collateralToken, u.collateralAcc, 100*amt))

		require.NoError(t, env.engine.Deposit(u.owner, u.accountID, u.collateralAcc, 30*amt))
		require.NoError(t, env.engine.Deposit(u.owner, u.accountID, u.collateralAcc, 70*amt))

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, 100*amt, acc.Collateral)
	})

	t.Run("ZeroAmountNoOp", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(0)

		require.NoError(t, env.engine.Deposit(u.owner, u.accountID, u.collateralAcc, 0))

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), acc.Collateral)
	})

	t.Run("OwnerOnly", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(0)
		err := env.engine.Deposit("intruder", u.accountID, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.engine.Deposit("alice", "missing", "token-acc", amt)
		assert.ErrorIs(t, err, ErrUnknownAccount)
	})

	t.Run("InsufficientWalletBalance", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(0)
		err := env.engine.Deposit(u.owner, u.accountID, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestUpdatePrice(t *testing.T) {
	t.Run("CachesFeedPrice", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.engine.SetFeedPrice(testAdmin, env.feedID, 6*prc))
		require.NoError(t, env.engine.UpdatePrice(env.feedID))

		state := env.engine.StateSnapshot()
		assert.Equal(t, 6*prc, state.Assets[1].Price)
	})

	t.Run("PausedFeedBlocksRefresh", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.engine.SetFeedPaused(testAdmin, env.feedID, true))

		err := env.engine.UpdatePrice(env.feedID)
		assert.ErrorIs(t, err, ErrFeedPaused)

		// Unpausing restores the flow.
		require.NoError(t, env.engine.SetFeedPaused(testAdmin, env.feedID, false))
		require.NoError(t, env.engine.UpdatePrice(env.feedID))
	})

	t.Run("UnknownFeed", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.engine.UpdatePrice("missing")
		assert.ErrorIs(t, err, ErrUnknownFeed)
	})
}

func TestMint(t *testing.T) {
	t.Run("FirstMintBootstrapsShares", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		require.NoError(t, env.mint(u, 1*amt))

		state := env.engine.StateSnapshot()
		assert.Equal(t, 1*amt, state.Debt)
		assert.Equal(t, 1*amt, state.Shares)
		assert.Equal(t, 1*amt, state.Assets[0].Supply)

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, 1*amt, acc.Shares)
		assert.Equal(t, 1*amt, env.usdBalance(u))
	})

	t.Run("SecondMintProportional", func(t *testing.T) {
		env := newTestEnv(t)
		u1 := env.newUser(100 * amt)
		u2 := env.newUser(100 * amt)

		require.NoError(t, env.mint(u1, 1*amt))
		require.NoError(t, env.mint(u2, 1*amt))

		acc2, err := env.engine.Account(u2.accountID)
		require.NoError(t, err)
		assert.Equal(t, 1*amt, acc2.Shares)

		state := env.engine.StateSnapshot()
		assert.Equal(t, 2*amt, state.Shares)
		assert.Equal(t, 2*amt, state.Debt)
	})

	t.Run("ThirdMintTruncates", func(t *testing.T) {
		env := newTestEnv(t)
		u1 := env.newUser(100 * amt)
		u2 := env.newUser(100 * amt)
		u3 := env.newUser(100 * amt)

		require.NoError(t, env.mint(u1, 1*amt))
		require.NoError(t, env.mint(u2, 1*amt))
		require.NoError(t, env.mint(u3, amt/3))

		acc3, err := env.engine.Account(u3.accountID)
		require.NoError(t, err)
		assert.Equal(t, uint64(33_333_333), acc3.Shares)
	})

	t.Run("WrongToken", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		err := env.engine.Mint(u.owner, u.accountID, env.collateralToken, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrWrongAsset)
	})

	t.Run("MintLimit", func(t *testing.T) {
		// 100 collateral at price 2 is 200 USD of value; level 500
		// percent caps debt at 40.
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		assert.ErrorIs(t, env.mint(u, 41*amt), ErrMintLimit)
		require.NoError(t, env.mint(u, 40*amt))
		assert.ErrorIs(t, env.mint(u, 1), ErrMintLimit)

		assert.Equal(t, 40*amt, env.usdBalance(u))
	})

	t.Run("RejectionLeavesStateUntouched", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 10*amt))

		before := env.engine.StateSnapshot()
		assert.ErrorIs(t, env.mint(u, 1000*amt), ErrMintLimit)
		assert.Equal(t, before, env.engine.StateSnapshot())
	})

	t.Run("StaleCollateralPrice", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		env.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
		err := env.mint(u, 1*amt)
		assert.ErrorIs(t, err, ErrOutdatedOracle)
	})

	t.Run("OwnerOnly", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		err := env.engine.Mint("intruder", u.accountID, env.usdToken, u.usdAcc, amt)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("DestinationMustHoldUsd", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		err := env.engine.Mint(u.owner, u.accountID, env.usdToken, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrWrongMint)
	})
}

func TestBurn(t *testing.T) {
	t.Run("FullBurn", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 1*amt))

		require.NoError(t, env.burn(u, 1*amt))

		state := env.engine.StateSnapshot()
		assert.Equal(t, uint64(0), state.Debt)
		assert.Equal(t, uint64(0), state.Shares)
		assert.Equal(t, uint64(0), state.Assets[0].Supply)

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), acc.Shares)
		assert.Equal(t, uint64(0), env.usdBalance(u))
	})

	t.Run("PartialBurn", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 1*amt))

		require.NoError(t, env.burn(u, amt/5))

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, 4*amt/5, acc.Shares)

		state := env.engine.StateSnapshot()
		assert.Equal(t, 4*amt/5, state.Debt)
		assert.Equal(t, 4*amt/5, state.Shares)
		assert.Equal(t, 4*amt/5, env.usdBalance(u))
	})

	t.Run("OverLimitRejectedWhole", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		other := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 1*amt))
		require.NoError(t, env.mint(other, 10*amt))

		// Give the user extra tokens so the token balance is not the
		// binding constraint.
		require.NoError(t, env.engine.Tokens().Approve(other.owner, other.usdAcc, u.owner, 10*amt))
		require.NoError(t, env.engine.Tokens().Transfer(u.owner, other.usdAcc, u.usdAcc, 10*amt))

		beforeState := env.engine.StateSnapshot()
		beforeAcc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		beforeBal := env.usdBalance(u)

		assert.ErrorIs(t, env.burn(u, 2*amt), ErrBurnLimit)

		assert.Equal(t, beforeState, env.engine.StateSnapshot())
		afterAcc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, beforeAcc, afterAcc)
		assert.Equal(t, beforeBal, env.usdBalance(u))
	})

	t.Run("ZeroDebtBurn", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		assert.ErrorIs(t, env.burn(u, amt), ErrBurnLimit)
	})

	t.Run("RequiresApproval", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 1*amt))

		// No approval for the vault signer.
		err := env.engine.Burn(u.owner, u.accountID, u.usdAcc, amt/2)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("WrongTokenAccount", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 1*amt))

		err := env.engine.Burn(u.owner, u.accountID, u.collateralAcc, amt/2)
		assert.ErrorIs(t, err, ErrWrongAsset)
	})

	t.Run("MintBurnRoundTrip", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		require.NoError(t, env.mint(u, 40*amt))
		require.NoError(t, env.burn(u, 40*amt))

		// All debt retired, the collateral is free again.
		require.NoError(t, env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, 100*amt))

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), acc.Collateral)
		assert.Equal(t, uint64(0), acc.Shares)
	})
}

func TestWithdraw(t *testing.T) {
	t.Run("NoDebtFullWithdraw", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		require.NoError(t, env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, 100*amt))

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), acc.Collateral)

		balance, err := env.engine.Tokens().Balance(u.collateralAcc)
		require.NoError(t, err)
		assert.Equal(t, 100*amt, balance)

		state := env.engine.StateSnapshot()
		assert.Equal(t, uint64(0), state.CollateralBalance)
	})

	t.Run("DebtLimitsWithdrawal", func(t *testing.T) {
		// Debt 10 requires 50 USD of collateral cover, which is 25
		// tokens at price 2; 75 of the 100 may leave.
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		require.NoError(t, env.mint(u, 10*amt))

		assert.ErrorIs(t,
			env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, 76*amt),
			ErrInsufficientCollateral)

		require.NoError(t, env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, 75*amt))

		acc, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, 25*amt, acc.Collateral)

		assert.ErrorIs(t,
			env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, 1),
			ErrInsufficientCollateral)
	})

	t.Run("OverBalance", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(10 * amt)
		err := env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, 11*amt)
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
	})

	t.Run("StalePrice", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		env.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
		err := env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrOutdatedOracle)
	})

	t.Run("ZeroCollateralPrice", func(t *testing.T) {
		// A feed may publish 0; the collateral then cannot be valued
		// and the withdrawal fails instead of dividing by zero.
		env := newTestEnv(t)
		u := env.newUser(100 * amt)

		require.NoError(t, env.engine.SetFeedPrice(testAdmin, env.feedID, 0))
		require.NoError(t, env.engine.UpdatePrice(env.feedID))

		err := env.engine.Withdraw(u.owner, u.accountID, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrOutdatedOracle)
	})

	t.Run("OwnerOnly", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		err := env.engine.Withdraw("intruder", u.accountID, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("DestinationMustHoldCollateral", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(100 * amt)
		err := env.engine.Withdraw(u.owner, u.accountID, u.usdAcc, amt)
		assert.ErrorIs(t, err, ErrWrongMint)
	})
}

// listAsset registers a new synthetic asset with its own token and feed
// and refreshes its price.
func (env *testEnv) listAsset(ticker string, price uint64) (token string) {
	token = env.engine.Tokens().CreateToken(testSigner, 8)
	feedID, err := env.engine.CreateFeed(testAdmin, price, ticker)
	require.NoError(env.t, err)
	require.NoError(env.t, env.engine.AddAsset(testAdmin, ticker, token, feedID))
	require.NoError(env.t, env.engine.UpdatePrice(feedID))
	return token
}

func TestSwap(t *testing.T) {
	t.Run("UsdToAsset", func(t *testing.T) {
		env := newTestEnv(t)
		ethToken := env.listAsset("xETH", 2*prc)

		u := env.newUser(1000 * amt)
		require.NoError(t, env.mint(u, 100*amt))
		ethAcc, err := env.engine.Tokens().CreateAccount(ethToken, u.owner)
		require.NoError(t, err)

		require.NoError(t, env.engine.Tokens().Approve(u.owner, u.usdAcc, testSigner, 100*amt))
		require.NoError(t, env.engine.Swap(u.owner, u.accountID, env.usdToken, ethToken, u.usdAcc, ethAcc, 100*amt))

		assert.Equal(t, uint64(0), env.usdBalance(u))
		ethBal, err := env.engine.Tokens().Balance(ethAcc)
		require.NoError(t, err)
		assert.Equal(t, uint64(4_985_000_000), ethBal)

		state := env.engine.StateSnapshot()
		assert.Equal(t, uint64(0), state.Assets[0].Supply)
		assert.Equal(t, uint64(4_985_000_000), state.Assets[2].Supply)
	})

	t.Run("SharesUntouched", func(t *testing.T) {
		env := newTestEnv(t)
		ethToken := env.listAsset("xETH", 2*prc)

		u := env.newUser(1000 * amt)
		require.NoError(t, env.mint(u, 100*amt))
		ethAcc, err := env.engine.Tokens().CreateAccount(ethToken, u.owner)
		require.NoError(t, err)

		before, err := env.engine.Account(u.accountID)
		require.NoError(t, err)

		require.NoError(t, env.engine.Tokens().Approve(u.owner, u.usdAcc, testSigner, 100*amt))
		require.NoError(t, env.engine.Swap(u.owner, u.accountID, env.usdToken, ethToken, u.usdAcc, ethAcc, 100*amt))

		after, err := env.engine.Account(u.accountID)
		require.NoError(t, err)
		assert.Equal(t, before.Shares, after.Shares)
	})

	t.Run("RoundTripPaysFeeTwice", func(t *testing.T) {
		env := newTestEnv(t)
		ethToken := env.listAsset("xETH", 2*prc)

		u := env.newUser(1000 * amt)
		require.NoError(t, env.mint(u, 100*amt))
		ethAcc, err := env.engine.Tokens().CreateAccount(ethToken, u.owner)
		require.NoError(t, err)

		require.NoError(t, env.engine.Tokens().Approve(u.owner, u.usdAcc, testSigner, 100*amt))
		require.NoError(t, env.engine.Swap(u.owner, u.accountID, env.usdToken, ethToken, u.usdAcc, ethAcc, 100*amt))

		ethBal, err := env.engine.Tokens().Balance(ethAcc)
		require.NoError(t, err)
		require.NoError(t, env.engine.Tokens().Approve(u.owner, ethAcc, testSigner, ethBal))
		require.NoError(t, env.engine.Swap(u.owner, u.accountID, ethToken, env.usdToken, ethAcc, u.usdAcc, ethBal))

		// 100 * 0.997 * 0.997
		assert.Equal(t, uint64(9_940_090_000), env.usdBalance(u))
	})

	t.Run("SameTokenRejected", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(1000 * amt)
		err := env.engine.Swap(u.owner, u.accountID, env.usdToken, env.usdToken, u.usdAcc, u.usdAcc, amt)
		assert.ErrorIs(t, err, ErrWrongAsset)
	})

	t.Run("CollateralNotSwappable", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(1000 * amt)
		err := env.engine.Swap(u.owner, u.accountID, env.usdToken, env.collateralToken, u.usdAcc, u.collateralAcc, amt)
		assert.ErrorIs(t, err, ErrWrongAsset)

		err = env.engine.Swap(u.owner, u.accountID, env.collateralToken, env.usdToken, u.collateralAcc, u.usdAcc, amt)
		assert.ErrorIs(t, err, ErrWrongAsset)
	})

	t.Run("UnlistedAsset", func(t *testing.T) {
		env := newTestEnv(t)
		u := env.newUser(1000 * amt)
		err := env.engine.Swap(u.owner, u.accountID, env.usdToken, "unlisted", u.usdAcc, u.usdAcc, amt)
		assert.ErrorIs(t, err, ErrUnknownAsset)
	})

	t.Run("StalePrice", func(t *testing.T) {
		env := newTestEnv(t)
		ethToken := env.listAsset("xETH", 2*prc)

		u := env.newUser(1000 * amt)
		require.NoError(t, env.mint(u, 100*amt))
		ethAcc, err := env.engine.Tokens().CreateAccount(ethToken, u.owner)
		require.NoError(t, err)

		env.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
		require.NoError(t, env.engine.Tokens().Approve(u.owner, u.usdAcc, testSigner, 100*amt))
		err = env.engine.Swap(u.owner, u.accountID, env.usdToken, ethToken, u.usdAcc, ethAcc, 100*amt)
		assert.ErrorIs(t, err, ErrOutdatedOracle)
	})

	t.Run("ZeroPricedOutAsset", func(t *testing.T) {
		// A zero published price cannot price the out leg; the swap
		// fails instead of dividing by zero.
		env := newTestEnv(t)
		u := env.newUser(1000 * amt)
		require.NoError(t, env.mint(u, 100*amt))

		zeroToken := env.listAsset("xZRO", 0)
		zeroAcc, err := env.engine.Tokens().CreateAccount(zeroToken, u.owner)
		require.NoError(t, err)

		require.NoError(t, env.engine.Tokens().Approve(u.owner, u.usdAcc, testSigner, 100*amt))
		err = env.engine.Swap(u.owner, u.accountID, env.usdToken, zeroToken, u.usdAcc, zeroAcc, 100*amt)
		assert.ErrorIs(t, err, ErrOutdatedOracle)
	})
}

func TestAddAsset(t *testing.T) {
	t.Run("AdminAddsAsset", func(t *testing.T) {
		env := newTestEnv(t)
		token := env.engine.Tokens().CreateToken(testSigner, 8)
		feedID, err := env.engine.CreateFeed(testAdmin, 5*prc, "xBTC")
		require.NoError(t, err)

		require.NoError(t, env.engine.AddAsset(testAdmin, "xBTC", token, feedID))

		state := env.engine.StateSnapshot()
		require.Len(t, state.Assets, 3)
		assert.Equal(t, "xBTC", state.Assets[2].Ticker)
		// Unusable until the first refresh.
		assert.Equal(t, uint64(0), state.Assets[2].Price)
	})

	t.Run("AdminOnly", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.engine.AddAsset("intruder", "xBTC", "token", "feed")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.engine.AddAsset(testAdmin, "xUSD2", env.usdToken, "feed")
		assert.ErrorIs(t, err, ErrDuplicateAsset)
	})

	t.Run("CapacityBound", func(t *testing.T) {
		env := newTestEnv(t)
		for i := 0; i < DefaultMaxAssets-2; i++ {
			require.NoError(t, env.engine.AddAsset(testAdmin, fmt.Sprintf("xA%d", i), fmt.Sprintf("token%d", i), "feed"))
		}
		err := env.engine.AddAsset(testAdmin, "xLAST", "one-too-many", "feed")
		assert.ErrorIs(t, err, ErrAssetsFull)
	})

	t.Run("TickerTooLong", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.engine.AddAsset(testAdmin, "TOOLONGTICKER", "token", "feed")
		assert.ErrorIs(t, err, ErrTickerTooLong)
	})
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(100 * amt)
	require.NoError(t, env.mint(u, 10*amt))

	stats, err := env.engine.Stats(u.accountID)
	require.NoError(t, err)
	assert.Equal(t, 100*amt, stats.Collateral)
	assert.Equal(t, 10*amt, stats.Shares)
	assert.Equal(t, 10*amt, stats.DebtUsd)
	assert.Equal(t, 40*amt, stats.MaxDebtUsd)
	assert.Equal(t, 10*amt, stats.MaxBurn)

	t.Run("UnknownAccount", func(t *testing.T) {
		_, err := env.engine.Stats("missing")
		assert.ErrorIs(t, err, ErrUnknownAccount)
	})
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)

	// Drain the setup events first.
	for len(env.engine.Events) > 0 {
		<-env.engine.Events
	}

	u := env.newUser(100 * amt)
	require.NoError(t, env.mint(u, 1*amt))

	var types []string
	for len(env.engine.Events) > 0 {
		ev := <-env.engine.Events
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventAccountAdded)
	assert.Contains(t, types, EventDeposit)
	assert.Contains(t, types, EventMint)
}
