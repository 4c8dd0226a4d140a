package synth

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
)

// Store persists engine snapshots in a key-value database. Values are
// JSON; keys are prefixed by record kind.
type Store struct {
	db database.Database
}

const (
	keyState   = "state"
	keyTokens  = "tokens"
	prefixUser = "user:"
	prefixFeed = "feed:"
)

// NewStore wraps a database.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

type tokenSnapshot struct {
	Tokens   []Token        `json:"tokens"`
	Accounts []TokenAccount `json:"accounts"`
}

// SaveVault writes the vault state, the touched user accounts and the
// token ledger in one batch.
func (s *Store) SaveVault(state *State, touched map[string]*UserAccount, tokens *TokenLedger) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	stateVal, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := batch.Put([]byte(keyState), stateVal); err != nil {
		return err
	}
	for id, user := range touched {
		val, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if err := batch.Put([]byte(prefixUser+id), val); err != nil {
			return err
		}
	}
	toks, accounts := tokens.snapshot()
	tokVal, err := json.Marshal(tokenSnapshot{Tokens: toks, Accounts: accounts})
	if err != nil {
		return err
	}
	if err := batch.Put([]byte(keyTokens), tokVal); err != nil {
		return err
	}
	return batch.Write()
}

// SaveFeed writes one price feed record.
func (s *Store) SaveFeed(feed PriceFeed) error {
	val, err := json.Marshal(feed)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(prefixFeed+feed.ID), val)
}

// Restore loads a previous snapshot into the engine, if one exists.
// Returns false when the database holds no prior state.
func (s *Store) Restore(e *Engine) (bool, error) {
	stateVal, err := s.db.Get([]byte(keyState))
	if err == database.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var state State
	if err := json.Unmarshal(stateVal, &state); err != nil {
		return false, fmt.Errorf("decode state: %w", err)
	}
	e.state = state

	it := s.db.NewIteratorWithPrefix([]byte(prefixUser))
	defer it.Release()
	for it.Next() {
		var user UserAccount
		if err := json.Unmarshal(it.Value(), &user); err != nil {
			return false, fmt.Errorf("decode user %s: %w", it.Key(), err)
		}
		id := string(it.Key()[len(prefixUser):])
		e.users[id] = &user
	}
	if err := it.Error(); err != nil {
		return false, err
	}
	e.userSeq = uint64(len(e.users))

	fit := s.db.NewIteratorWithPrefix([]byte(prefixFeed))
	defer fit.Release()
	for fit.Next() {
		var feed PriceFeed
		if err := json.Unmarshal(fit.Value(), &feed); err != nil {
			return false, fmt.Errorf("decode feed %s: %w", fit.Key(), err)
		}
		e.feeds.restore(feed)
	}
	if err := fit.Error(); err != nil {
		return false, err
	}

	tokVal, err := s.db.Get([]byte(keyTokens))
	if err == nil {
		var snap tokenSnapshot
		if err := json.Unmarshal(tokVal, &snap); err != nil {
			return false, fmt.Errorf("decode tokens: %w", err)
		}
		e.tokens.restore(snap.Tokens, snap.Accounts)
	} else if err != database.ErrNotFound {
		return false, err
	}
	return true, nil
}
