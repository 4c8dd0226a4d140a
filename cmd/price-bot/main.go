// price-bot keeps oracle feeds fresh. It polls an HTTP quote endpoint
// for each configured feed, converts the decimal quote to the oracle's
// 1e4 fixed-point scale and pushes it through synth_setPrice followed by
// synth_updatePrice so the vault's cached prices never go stale.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// quoteResponse is the shape returned by the quote endpoint.
type quoteResponse struct {
	Price decimal.Decimal `json:"price"`
}

type priceBot struct {
	rpcURL   string
	quoteURL string // %s is replaced by the ticker
	admin    string
	feeds    map[string]string // ticker -> feedID
	client   *http.Client
	logger   log.Logger
	nextID   int
}

func (b *priceBot) call(method string, params interface{}, result interface{}) error {
	b.nextID++
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      b.nextID,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := b.client.Post(b.rpcURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %s", method, rpcResp.Error.Message)
	}

	if result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// fetchQuote pulls the current decimal price for a ticker.
func (b *priceBot) fetchQuote(ticker string) (decimal.Decimal, error) {
	url := fmt.Sprintf(b.quoteURL, ticker)
	resp, err := b.client.Get(url)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote endpoint returned %d", resp.StatusCode)
	}

	var quote quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode quote: %w", err)
	}

	if quote.Price.IsNegative() || quote.Price.IsZero() {
		return decimal.Zero, fmt.Errorf("non-positive quote %s", quote.Price)
	}

	return quote.Price, nil
}

// toOraclePrice converts a decimal quote to the 1e4 fixed-point scale.
func toOraclePrice(quote decimal.Decimal) uint64 {
	scaled := quote.Shift(4).Truncate(0)
	return uint64(scaled.IntPart())
}

func (b *priceBot) pushPrice(ticker, feedID string, price uint64) error {
	if err := b.call("synth_setPrice", map[string]interface{}{
		"caller": b.admin,
		"feedId": feedID,
		"price":  price,
	}, nil); err != nil {
		return err
	}

	return b.call("synth_updatePrice", map[string]interface{}{
		"feedAddress": feedID,
	}, nil)
}

func (b *priceBot) tick() {
	for ticker, feedID := range b.feeds {
		quote, err := b.fetchQuote(ticker)
		if err != nil {
			b.logger.Warn("Quote fetch failed", "ticker", ticker, "error", err)
			continue
		}

		price := toOraclePrice(quote)
		if price == 0 {
			b.logger.Warn("Quote truncates to zero, skipping", "ticker", ticker, "quote", quote)
			continue
		}

		if err := b.pushPrice(ticker, feedID, price); err != nil {
			b.logger.Warn("Price push failed", "ticker", ticker, "error", err)
			continue
		}

		b.logger.Info("Price pushed", "ticker", ticker, "price", price)
	}
}

func main() {
	var (
		rpcURL   = flag.String("server", "http://localhost:8080/rpc", "synthd RPC URL")
		quoteURL = flag.String("quote-url", "http://localhost:9100/quote/%s", "Quote endpoint, %s replaced by ticker")
		admin    = flag.String("admin", "admin", "Feed admin identity")
		feeds    = flag.String("feeds", "", "Feeds to refresh, comma separated ticker=feedId pairs")
		interval = flag.Duration("interval", 5*time.Second, "Refresh interval")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	if *feeds == "" {
		fmt.Println("No feeds configured, use -feeds ticker=feedId[,ticker=feedId...]")
		os.Exit(1)
	}

	feedMap := make(map[string]string)
	for _, pair := range strings.Split(*feeds, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			logger.Warn("Skipping malformed feed spec", "spec", pair)
			continue
		}
		feedMap[parts[0]] = parts[1]
	}
	if len(feedMap) == 0 {
		fmt.Println("No valid feeds configured")
		os.Exit(1)
	}

	bot := &priceBot{
		rpcURL:   *rpcURL,
		quoteURL: *quoteURL,
		admin:    *admin,
		feeds:    feedMap,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}

	logger.Info("Price bot starting",
		"server", *rpcURL,
		"feeds", len(feedMap),
		"interval", *interval)

	bot.tick()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			bot.tick()
		case sig := <-sigChan:
			logger.Info("Shutting down", "signal", sig)
			return
		}
	}
}
