package synth

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/luxfi/log"
	"golang.org/x/crypto/blake2b"
)

// PriceFeed is an admin-owned price record for one ticker. Reads succeed
// even while paused; pausing only signals consumers to stop valuing
// against it.
type PriceFeed struct {
	ID     string `json:"id"`
	Admin  string `json:"admin"`
	Price  uint64 `json:"price"` // PriceScale
	Paused bool   `json:"paused"`
	Ticker string `json:"ticker"`
}

// FeedStore holds every price feed. Feeds are created by an admin
// identity and mutated only by that identity. They are never deleted.
type FeedStore struct {
	mu       sync.RWMutex
	feeds    map[string]*PriceFeed
	sequence uint64
	capacity int
	logger   log.Logger
}

// NewFeedStore creates an empty feed store. capacity <= 0 means
// unbounded.
func NewFeedStore(capacity int, logger log.Logger) *FeedStore {
	return &FeedStore{
		feeds:    make(map[string]*PriceFeed),
		capacity: capacity,
		logger:   logger,
	}
}

// feedID derives a stable identity for a new feed.
func feedID(admin, ticker string, seq uint64) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(admin))
	h.Write([]byte(ticker))
	h.Write([]byte(fmt.Sprintf("%d", seq)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Create allocates a new feed owned by admin. The ticker is fixed-width,
// arbitrary bytes accepted up to TickerSize.
func (fs *FeedStore) Create(admin string, initialPrice uint64, ticker string) (string, error) {
	if len(ticker) > TickerSize {
		return "", ErrTickerTooLong
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.capacity > 0 && len(fs.feeds) >= fs.capacity {
		return "", ErrAllocation
	}
	fs.sequence++
	id := feedID(admin, ticker, fs.sequence)
	fs.feeds[id] = &PriceFeed{
		ID:     id,
		Admin:  admin,
		Price:  initialPrice,
		Paused: false,
		Ticker: ticker,
	}
	if fs.logger != nil {
		fs.logger.Info("Price feed created", "id", id, "ticker", ticker, "price", initialPrice)
	}
	return id, nil
}

// SetPrice overwrites the feed's price. Only the feed admin may call.
// There is no bounds check beyond representability.
func (fs *FeedStore) SetPrice(caller, id string, price uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	feed, ok := fs.feeds[id]
	if !ok {
		return ErrUnknownFeed
	}
	if feed.Admin != caller {
		return ErrUnauthorized
	}
	feed.Price = price
	return nil
}

// SetPaused toggles the advisory pause flag. Only the feed admin may
// call.
func (fs *FeedStore) SetPaused(caller, id string, paused bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	feed, ok := fs.feeds[id]
	if !ok {
		return ErrUnknownFeed
	}
	if feed.Admin != caller {
		return ErrUnauthorized
	}
	feed.Paused = paused
	if fs.logger != nil {
		fs.logger.Info("Price feed pause toggled", "id", id, "paused", paused)
	}
	return nil
}

// Get returns a copy of the feed. Paused feeds still read normally.
func (fs *FeedStore) Get(id string) (PriceFeed, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	feed, ok := fs.feeds[id]
	if !ok {
		return PriceFeed{}, ErrUnknownFeed
	}
	return *feed, nil
}

// List returns copies of all feeds, for persistence and admin tooling.
func (fs *FeedStore) List() []PriceFeed {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]PriceFeed, 0, len(fs.feeds))
	for _, f := range fs.feeds {
		out = append(out, *f)
	}
	return out
}

// restore reinstalls a persisted feed record.
func (fs *FeedStore) restore(feed PriceFeed) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := feed
	fs.feeds[feed.ID] = &f
	fs.sequence++
}
