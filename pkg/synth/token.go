package synth

import (
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// The host ledger's token program is an external collaborator. This
// ledger models the slice of it the vault depends on: mints with an
// authority, token accounts with owner and delegate allowance, and the
// mint/transfer/burn primitives the engine drives.

var (
	ErrInsufficientBalance   = fmt.Errorf("insufficient token balance")
	ErrInsufficientAllowance = fmt.Errorf("insufficient token allowance")
	ErrUnknownToken          = fmt.Errorf("unknown token")
	ErrUnknownTokenAccount   = fmt.Errorf("unknown token account")
	ErrWrongMint             = fmt.Errorf("account belongs to a different token")
)

// Token is a mintable asset with a single mint authority.
type Token struct {
	Address   string `json:"address"`
	Authority string `json:"authority"`
	Decimals  uint8  `json:"decimals"`
	Supply    uint64 `json:"supply"`
}

// TokenAccount holds a balance of one token for one owner. A delegate
// may move up to Allowance out of the account.
type TokenAccount struct {
	Address   string `json:"address"`
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Balance   uint64 `json:"balance"`
	Delegate  string `json:"delegate,omitempty"`
	Allowance uint64 `json:"allowance"`
}

// TokenLedger tracks all tokens and token accounts.
type TokenLedger struct {
	mu       sync.RWMutex
	tokens   map[string]*Token
	accounts map[string]*TokenAccount
	sequence uint64
}

// NewTokenLedger creates an empty ledger.
func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		tokens:   make(map[string]*Token),
		accounts: make(map[string]*TokenAccount),
	}
}

func (tl *TokenLedger) derive(kind, a, b string) string {
	tl.sequence++
	h, _ := blake2b.New256(nil)
	h.Write([]byte(kind))
	h.Write([]byte(a))
	h.Write([]byte(b))
	h.Write([]byte(fmt.Sprintf("%d", tl.sequence)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// CreateToken registers a new mint controlled by authority.
func (tl *TokenLedger) CreateToken(authority string, decimals uint8) string {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	addr := tl.derive("token", authority, "")
	tl.tokens[addr] = &Token{
		Address:   addr,
		Authority: authority,
		Decimals:  decimals,
	}
	return addr
}

// CreateAccount allocates a zero-balance account for owner on token.
func (tl *TokenLedger) CreateAccount(token, owner string) (string, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if _, ok := tl.tokens[token]; !ok {
		return "", ErrUnknownToken
	}
	addr := tl.derive("account", token, owner)
	tl.accounts[addr] = &TokenAccount{
		Address: addr,
		Token:   token,
		Owner:   owner,
	}
	return addr, nil
}

// MintTo credits amount to the account. Only the token authority may
// mint.
func (tl *TokenLedger) MintTo(caller, token, account string, amount uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	t, ok := tl.tokens[token]
	if !ok {
		return ErrUnknownToken
	}
	if t.Authority != caller {
		return ErrUnauthorized
	}
	acc, ok := tl.accounts[account]
	if !ok {
		return ErrUnknownTokenAccount
	}
	if acc.Token != token {
		return ErrWrongMint
	}
	acc.Balance += amount
	t.Supply += amount
	return nil
}

// Transfer moves amount between two accounts of the same token. The
// caller must be the source owner, or a delegate within its allowance.
func (tl *TokenLedger) Transfer(caller, from, to string, amount uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.transferLocked(caller, from, to, amount)
}

func (tl *TokenLedger) transferLocked(caller, from, to string, amount uint64) error {
	src, ok := tl.accounts[from]
	if !ok {
		return ErrUnknownTokenAccount
	}
	dst, ok := tl.accounts[to]
	if !ok {
		return ErrUnknownTokenAccount
	}
	if src.Token != dst.Token {
		return ErrWrongMint
	}
	if err := tl.spendAuthority(src, caller, amount); err != nil {
		return err
	}
	if src.Balance < amount {
		return ErrInsufficientBalance
	}
	src.Balance -= amount
	dst.Balance += amount
	if caller != src.Owner {
		src.Allowance -= amount
	}
	return nil
}

// Approve lets delegate move up to amount out of the account. Only the
// account owner may call.
func (tl *TokenLedger) Approve(caller, account, delegate string, amount uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	acc, ok := tl.accounts[account]
	if !ok {
		return ErrUnknownTokenAccount
	}
	if acc.Owner != caller {
		return ErrUnauthorized
	}
	acc.Delegate = delegate
	acc.Allowance = amount
	return nil
}

// Burn destroys amount held in the account, shrinking the token supply.
// Same authority rule as Transfer.
func (tl *TokenLedger) Burn(caller, account string, amount uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	acc, ok := tl.accounts[account]
	if !ok {
		return ErrUnknownTokenAccount
	}
	t := tl.tokens[acc.Token]
	if err := tl.spendAuthority(acc, caller, amount); err != nil {
		return err
	}
	if acc.Balance < amount {
		return ErrInsufficientBalance
	}
	acc.Balance -= amount
	t.Supply -= amount
	if caller != acc.Owner {
		acc.Allowance -= amount
	}
	return nil
}

func (tl *TokenLedger) spendAuthority(acc *TokenAccount, caller string, amount uint64) error {
	if caller == acc.Owner {
		return nil
	}
	if caller != acc.Delegate {
		return ErrUnauthorized
	}
	if acc.Allowance < amount {
		return ErrInsufficientAllowance
	}
	return nil
}

// Balance returns the account's current balance.
func (tl *TokenLedger) Balance(account string) (uint64, error) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	acc, ok := tl.accounts[account]
	if !ok {
		return 0, ErrUnknownTokenAccount
	}
	return acc.Balance, nil
}

// Account returns a copy of the token account record.
func (tl *TokenLedger) Account(account string) (TokenAccount, error) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	acc, ok := tl.accounts[account]
	if !ok {
		return TokenAccount{}, ErrUnknownTokenAccount
	}
	return *acc, nil
}

// canDebit checks balance and, for delegates, allowance without
// mutating. The engine uses it to validate token preconditions before
// committing any state change.
func (tl *TokenLedger) canDebit(caller, account string, amount uint64) error {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	acc, ok := tl.accounts[account]
	if !ok {
		return ErrUnknownTokenAccount
	}
	if err := tl.spendAuthority(acc, caller, amount); err != nil {
		return err
	}
	if acc.Balance < amount {
		return ErrInsufficientBalance
	}
	return nil
}

// accountToken reports which token an account holds.
func (tl *TokenLedger) accountToken(account string) (string, error) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	acc, ok := tl.accounts[account]
	if !ok {
		return "", ErrUnknownTokenAccount
	}
	return acc.Token, nil
}

// snapshot returns copies of all tokens and accounts for persistence.
func (tl *TokenLedger) snapshot() ([]Token, []TokenAccount) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	tokens := make([]Token, 0, len(tl.tokens))
	for _, t := range tl.tokens {
		tokens = append(tokens, *t)
	}
	accounts := make([]TokenAccount, 0, len(tl.accounts))
	for _, a := range tl.accounts {
		accounts = append(accounts, *a)
	}
	return tokens, accounts
}

// restore reinstalls persisted records.
func (tl *TokenLedger) restore(tokens []Token, accounts []TokenAccount) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for _, t := range tokens {
		tok := t
		tl.tokens[t.Address] = &tok
		tl.sequence++
	}
	for _, a := range accounts {
		acc := a
		tl.accounts[a.Address] = &acc
		tl.sequence++
	}
}
