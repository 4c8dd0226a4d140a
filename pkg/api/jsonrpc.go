// Package api exposes the vault engine over JSON-RPC 2.0.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/luxfi/log"
	"github.com/luxfi/synth/pkg/metrics"
	"github.com/luxfi/synth/pkg/synth"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the engine.
type JSONRPCServer struct {
	engine  *synth.Engine
	logger  log.Logger
	metrics *metrics.Metrics
}

// NewJSONRPCServer creates a new JSON-RPC server. metrics may be nil.
func NewJSONRPCServer(engine *synth.Engine, logger log.Logger, m *metrics.Metrics) *JSONRPCServer {
	return &JSONRPCServer{
		engine:  engine,
		logger:  logger,
		metrics: m,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus one application code for engine
// business-rule rejections.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	EngineError    = -32000
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: EngineError, Message: err.Error()}
		}
		if s.metrics != nil {
			s.metrics.RecordRejection(req.Method)
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Oracle methods
	case "synth_createFeed":
		return s.createFeed(params)
	case "synth_setPrice":
		return s.setPrice(params)
	case "synth_setPaused":
		return s.setPaused(params)
	case "synth_getFeed":
		return s.getFeed(params)

	// Vault methods
	case "synth_initialize":
		return s.initialize(params)
	case "synth_createAccount":
		return s.createAccount(params)
	case "synth_getAccount":
		return s.getAccount(params)
	case "synth_getAccountStats":
		return s.getAccountStats(params)
	case "synth_deposit":
		return s.deposit(params)
	case "synth_updatePrice":
		return s.updatePrice(params)
	case "synth_mint":
		return s.mint(params)
	case "synth_burn":
		return s.burn(params)
	case "synth_withdraw":
		return s.withdraw(params)
	case "synth_swap":
		return s.swap(params)
	case "synth_addAsset":
		return s.addAsset(params)
	case "synth_getState":
		return s.getState(params)

	// Token ledger helpers for deploy tooling and harnesses
	case "synth_createToken":
		return s.createToken(params)
	case "synth_createTokenAccount":
		return s.createTokenAccount(params)
	case "synth_approve":
		return s.approve(params)
	case "synth_getBalance":
		return s.getBalance(params)
	case "synth_mintToken":
		return s.mintToken(params)

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method %s not found", method)}
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) decode(params json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return nil
}

// Oracle handlers

type createFeedParams struct {
	Admin        string `json:"admin"`
	InitialPrice uint64 `json:"initialPrice"`
	Ticker       string `json:"ticker"`
}

func (s *JSONRPCServer) createFeed(params json.RawMessage) (interface{}, error) {
	var p createFeedParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	id, err := s.engine.CreateFeed(p.Admin, p.InitialPrice, p.Ticker)
	if err != nil {
		return nil, err
	}
	return map[string]string{"feedId": id}, nil
}

type setPriceParams struct {
	Caller string `json:"caller"`
	FeedID string `json:"feedId"`
	Price  uint64 `json:"price"`
}

func (s *JSONRPCServer) setPrice(params json.RawMessage) (interface{}, error) {
	var p setPriceParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.SetFeedPrice(p.Caller, p.FeedID, p.Price); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordPriceUpdate()
	}
	return map[string]bool{"ok": true}, nil
}

type setPausedParams struct {
	Caller string `json:"caller"`
	FeedID string `json:"feedId"`
	Paused bool   `json:"paused"`
}

func (s *JSONRPCServer) setPaused(params json.RawMessage) (interface{}, error) {
	var p setPausedParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.SetFeedPaused(p.Caller, p.FeedID, p.Paused); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type feedIDParams struct {
	FeedID string `json:"feedId"`
}

func (s *JSONRPCServer) getFeed(params json.RawMessage) (interface{}, error) {
	var p feedIDParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	return s.engine.GetFeed(p.FeedID)
}

// Vault handlers

type initializeParams struct {
	Caller            string `json:"caller"`
	Nonce             uint8  `json:"nonce"`
	Signer            string `json:"signer"`
	CollateralToken   string `json:"collateralToken"`
	CollateralAccount string `json:"collateralAccount"`
	CollateralFeed    string `json:"collateralFeed"`
	UsdToken          string `json:"usdToken"`
}

func (s *JSONRPCServer) initialize(params json.RawMessage) (interface{}, error) {
	var p initializeParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	err := s.engine.Initialize(p.Caller, p.Nonce, p.Signer, p.CollateralToken, p.CollateralAccount, p.CollateralFeed, p.UsdToken)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type createAccountParams struct {
	Owner string `json:"owner"`
}

func (s *JSONRPCServer) createAccount(params json.RawMessage) (interface{}, error) {
	var p createAccountParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	id, err := s.engine.CreateUserAccount(p.Owner)
	if err != nil {
		return nil, err
	}
	return map[string]string{"accountId": id}, nil
}

type accountIDParams struct {
	AccountID string `json:"accountId"`
}

func (s *JSONRPCServer) getAccount(params json.RawMessage) (interface{}, error) {
	var p accountIDParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	return s.engine.Account(p.AccountID)
}

func (s *JSONRPCServer) getAccountStats(params json.RawMessage) (interface{}, error) {
	var p accountIDParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	return s.engine.Stats(p.AccountID)
}

type depositParams struct {
	Caller           string `json:"caller"`
	AccountID        string `json:"accountId"`
	FromTokenAccount string `json:"fromTokenAccount"`
	Amount           uint64 `json:"amount"`
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p depositParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Deposit(p.Caller, p.AccountID, p.FromTokenAccount, p.Amount); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordDeposit(p.Amount)
	}
	return map[string]bool{"ok": true}, nil
}

type updatePriceParams struct {
	FeedAddress string `json:"feedAddress"`
}

func (s *JSONRPCServer) updatePrice(params json.RawMessage) (interface{}, error) {
	var p updatePriceParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.UpdatePrice(p.FeedAddress); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type mintParams struct {
	Caller         string `json:"caller"`
	AccountID      string `json:"accountId"`
	TokenAddress   string `json:"tokenAddress"`
	ToTokenAccount string `json:"toTokenAccount"`
	Amount         uint64 `json:"amount"`
}

func (s *JSONRPCServer) mint(params json.RawMessage) (interface{}, error) {
	var p mintParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Mint(p.Caller, p.AccountID, p.TokenAddress, p.ToTokenAccount, p.Amount); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordMint(p.Amount)
	}
	return map[string]bool{"ok": true}, nil
}

type burnParams struct {
	Caller       string `json:"caller"`
	AccountID    string `json:"accountId"`
	TokenAccount string `json:"tokenAccount"`
	Amount       uint64 `json:"amount"`
}

func (s *JSONRPCServer) burn(params json.RawMessage) (interface{}, error) {
	var p burnParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Burn(p.Caller, p.AccountID, p.TokenAccount, p.Amount); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordBurn(p.Amount)
	}
	return map[string]bool{"ok": true}, nil
}

type withdrawParams struct {
	Caller         string `json:"caller"`
	AccountID      string `json:"accountId"`
	ToTokenAccount string `json:"toTokenAccount"`
	Amount         uint64 `json:"amount"`
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p withdrawParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Withdraw(p.Caller, p.AccountID, p.ToTokenAccount, p.Amount); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordWithdraw(p.Amount)
	}
	return map[string]bool{"ok": true}, nil
}

type swapParams struct {
	Caller          string `json:"caller"`
	AccountID       string `json:"accountId"`
	InToken         string `json:"inToken"`
	OutToken        string `json:"outToken"`
	InTokenAccount  string `json:"inTokenAccount"`
	OutTokenAccount string `json:"outTokenAccount"`
	Amount          uint64 `json:"amount"`
}

func (s *JSONRPCServer) swap(params json.RawMessage) (interface{}, error) {
	var p swapParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	err := s.engine.Swap(p.Caller, p.AccountID, p.InToken, p.OutToken, p.InTokenAccount, p.OutTokenAccount, p.Amount)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordSwap(p.Amount)
	}
	return map[string]bool{"ok": true}, nil
}

type addAssetParams struct {
	Caller       string `json:"caller"`
	Ticker       string `json:"ticker"`
	AssetAddress string `json:"assetAddress"`
	FeedAddress  string `json:"feedAddress"`
}

func (s *JSONRPCServer) addAsset(params json.RawMessage) (interface{}, error) {
	var p addAssetParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.AddAsset(p.Caller, p.Ticker, p.AssetAddress, p.FeedAddress); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *JSONRPCServer) getState(params json.RawMessage) (interface{}, error) {
	return s.engine.StateSnapshot(), nil
}

// Token ledger handlers

type createTokenParams struct {
	Authority string `json:"authority"`
	Decimals  uint8  `json:"decimals"`
}

func (s *JSONRPCServer) createToken(params json.RawMessage) (interface{}, error) {
	var p createTokenParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if p.Decimals == 0 {
		p.Decimals = synth.Accuracy
	}
	addr := s.engine.Tokens().CreateToken(p.Authority, p.Decimals)
	return map[string]string{"token": addr}, nil
}

type createTokenAccountParams struct {
	Token string `json:"token"`
	Owner string `json:"owner"`
}

func (s *JSONRPCServer) createTokenAccount(params json.RawMessage) (interface{}, error) {
	var p createTokenAccountParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	addr, err := s.engine.Tokens().CreateAccount(p.Token, p.Owner)
	if err != nil {
		return nil, err
	}
	return map[string]string{"account": addr}, nil
}

type approveParams struct {
	Caller   string `json:"caller"`
	Account  string `json:"account"`
	Delegate string `json:"delegate"`
	Amount   uint64 `json:"amount"`
}

func (s *JSONRPCServer) approve(params json.RawMessage) (interface{}, error) {
	var p approveParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Tokens().Approve(p.Caller, p.Account, p.Delegate, p.Amount); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type balanceParams struct {
	Account string `json:"account"`
}

func (s *JSONRPCServer) getBalance(params json.RawMessage) (interface{}, error) {
	var p balanceParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	balance, err := s.engine.Tokens().Balance(p.Account)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"balance": balance}, nil
}

type mintTokenParams struct {
	Caller  string `json:"caller"`
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (s *JSONRPCServer) mintToken(params json.RawMessage) (interface{}, error) {
	var p mintTokenParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.Tokens().MintTo(p.Caller, p.Token, p.Account, p.Amount); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}
