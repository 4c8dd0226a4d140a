// synth-deploy bootstraps a fresh synthd instance: it creates the token
// mints, the custody account and the collateral price feed, then runs
// initialize. Extra synthetic assets can be listed in the same pass.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/luxfi/log"
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

type rpcClient struct {
	url    string
	client *http.Client
	nextID int
}

func newRPCClient(url string) *rpcClient {
	return &rpcClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *rpcClient) call(method string, params interface{}, result interface{}) error {
	c.nextID++
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(data))
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

func main() {
	var (
		serverURL       = flag.String("server", "http://localhost:8080/rpc", "synthd RPC URL")
		admin           = flag.String("admin", "admin", "Vault admin identity")
		signer          = flag.String("signer", "vault-signer", "Vault signer identity")
		nonce           = flag.Uint("nonce", 1, "Vault signer nonce")
		collateralName  = flag.String("collateral", "SNY", "Collateral ticker")
		collateralPrice = flag.Uint64("collateral-price", 20000, "Initial collateral price (1e4 scale)")
		assets          = flag.String("assets", "", "Extra synthetic assets to list, comma separated ticker:price pairs (e.g. xBTC:500000000)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	logger.Info("Deploying vault", "server", *serverURL, "admin", *admin)

	client := newRPCClient(*serverURL)

	// Collateral mint, authority stays with the admin so test collateral
	// can be issued to users.
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := client.call("synth_createToken", map[string]interface{}{
		"authority": *admin,
		"decimals":  8,
	}, &tokenResp); err != nil {
		logger.Error("Failed to create collateral token", "error", err)
		os.Exit(1)
	}
	collateralToken := tokenResp.Token
	logger.Info("Collateral token created", "token", collateralToken)

	// Synthetic USD mint, authority is the vault signer.
	if err := client.call("synth_createToken", map[string]interface{}{
		"authority": *signer,
		"decimals":  8,
	}, &tokenResp); err != nil {
		logger.Error("Failed to create USD token", "error", err)
		os.Exit(1)
	}
	usdToken := tokenResp.Token
	logger.Info("Synthetic USD token created", "token", usdToken)

	// Custody account owned by the signer.
	var accountResp struct {
		Account string `json:"account"`
	}
	if err := client.call("synth_createTokenAccount", map[string]interface{}{
		"token": collateralToken,
		"owner": *signer,
	}, &accountResp); err != nil {
		logger.Error("Failed to create custody account", "error", err)
		os.Exit(1)
	}
	custody := accountResp.Account
	logger.Info("Custody account created", "account", custody)

	// Collateral price feed.
	var feedResp struct {
		FeedID string `json:"feedId"`
	}
	if err := client.call("synth_createFeed", map[string]interface{}{
		"admin":        *admin,
		"initialPrice": *collateralPrice,
		"ticker":       *collateralName,
	}, &feedResp); err != nil {
		logger.Error("Failed to create collateral feed", "error", err)
		os.Exit(1)
	}
	collateralFeed := feedResp.FeedID
	logger.Info("Collateral feed created", "feedId", collateralFeed, "price", *collateralPrice)

	if err := client.call("synth_initialize", map[string]interface{}{
		"caller":            *admin,
		"nonce":             *nonce,
		"signer":            *signer,
		"collateralToken":   collateralToken,
		"collateralAccount": custody,
		"collateralFeed":    collateralFeed,
		"usdToken":          usdToken,
	}, nil); err != nil {
		logger.Error("Failed to initialize vault", "error", err)
		os.Exit(1)
	}
	logger.Info("Vault initialized")

	if err := client.call("synth_updatePrice", map[string]interface{}{
		"feedAddress": collateralFeed,
	}, nil); err != nil {
		logger.Error("Failed to update collateral price", "error", err)
		os.Exit(1)
	}

	// List any extra synthetic assets.
	if *assets != "" {
		for _, spec := range strings.Split(*assets, ",") {
			parts := strings.SplitN(strings.TrimSpace(spec), ":", 2)
			if len(parts) != 2 {
				logger.Warn("Skipping malformed asset spec", "spec", spec)
				continue
			}
			ticker := parts[0]
			var price uint64
			if _, err := fmt.Sscanf(parts[1], "%d", &price); err != nil {
				logger.Warn("Skipping asset with bad price", "spec", spec)
				continue
			}

			if err := client.call("synth_createToken", map[string]interface{}{
				"authority": *signer,
				"decimals":  8,
			}, &tokenResp); err != nil {
				logger.Error("Failed to create asset token", "ticker", ticker, "error", err)
				os.Exit(1)
			}

			if err := client.call("synth_createFeed", map[string]interface{}{
				"admin":        *admin,
				"initialPrice": price,
				"ticker":       ticker,
			}, &feedResp); err != nil {
				logger.Error("Failed to create asset feed", "ticker", ticker, "error", err)
				os.Exit(1)
			}

			if err := client.call("synth_addAsset", map[string]interface{}{
				"caller":       *admin,
				"ticker":       ticker,
				"assetAddress": tokenResp.Token,
				"feedAddress":  feedResp.FeedID,
			}, nil); err != nil {
				logger.Error("Failed to add asset", "ticker", ticker, "error", err)
				os.Exit(1)
			}

			if err := client.call("synth_updatePrice", map[string]interface{}{
				"feedAddress": feedResp.FeedID,
			}, nil); err != nil {
				logger.Error("Failed to update asset price", "ticker", ticker, "error", err)
				os.Exit(1)
			}

			logger.Info("Asset listed", "ticker", ticker, "token", tokenResp.Token, "feedId", feedResp.FeedID)
		}
	}

	fmt.Println("\nDeployment complete:")
	fmt.Printf("  collateral token: %s\n", collateralToken)
	fmt.Printf("  usd token:        %s\n", usdToken)
	fmt.Printf("  custody account:  %s\n", custody)
	fmt.Printf("  collateral feed:  %s\n", collateralFeed)
}
