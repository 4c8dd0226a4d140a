package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// QuoteSource delivers current market prices for tickers, in
// human-readable decimal form. Implementations talk to upstream market
// data providers.
type QuoteSource interface {
	GetQuote(ctx context.Context, ticker string) (decimal.Decimal, error)
	GetName() string
}

// Refresher is the external price collaborator: it polls a quote source
// and pushes every registered feed's price into the oracle store and the
// vault basket at a fixed cadence. Transient failures are swallowed and
// retried on the next tick; nothing propagates into the engine.
type Refresher struct {
	engine   *Engine
	source   QuoteSource
	admin    string
	interval time.Duration
	logger   log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates a refresher driving the engine's feeds from the
// given source. admin must be the feeds' admin identity.
func NewRefresher(engine *Engine, source QuoteSource, admin string, interval time.Duration, logger log.Logger) *Refresher {
	if logger == nil {
		logger = log.Root().New("module", "refresher")
	}
	return &Refresher{
		engine:   engine,
		source:   source,
		admin:    admin,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the refresh loop.
func (r *Refresher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll fetches and applies a price for every feed the oracle
// store knows about. Errors are logged per feed; the rest proceed.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, feed := range r.engine.feeds.List() {
		if err := r.refreshFeed(ctx, feed); err != nil {
			r.logger.Warn("Price refresh failed",
				"feed", feed.ID,
				"ticker", feed.Ticker,
				"source", r.source.GetName(),
				"error", err)
		}
	}
}

func (r *Refresher) refreshFeed(ctx context.Context, feed PriceFeed) error {
	quote, err := r.source.GetQuote(ctx, feed.Ticker)
	if err != nil {
		return err
	}
	price := FixedPrice(quote)
	if price == 0 {
		// Keep the last good price rather than staling the asset.
		return fmt.Errorf("quote %s truncates to zero", quote)
	}
	if err := r.engine.SetFeedPrice(r.admin, feed.ID, price); err != nil {
		return err
	}
	// A feed may back no basket entry yet; that is not a failure.
	if err := r.engine.UpdatePrice(feed.ID); err != nil && err != ErrUnknownFeed && err != ErrNotInitialized {
		return err
	}
	return nil
}

// FixedPrice converts a decimal quote to the oracle's 1e4 fixed-point
// representation, truncating extra precision.
func FixedPrice(quote decimal.Decimal) uint64 {
	scaled := quote.Shift(OracleDecimals).Truncate(0)
	if scaled.IsNegative() {
		return 0
	}
	return scaled.BigInt().Uint64()
}
