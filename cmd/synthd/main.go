package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/luxfi/synth/pkg/api"
	"github.com/luxfi/synth/pkg/events"
	"github.com/luxfi/synth/pkg/metrics"
	"github.com/luxfi/synth/pkg/synth"
	"github.com/luxfi/synth/pkg/websocket"
)

const (
	defaultDataDir     = ".synthd"
	defaultPort        = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int

	// Vault parameters
	Admin                  string
	CollateralizationLevel uint
	MaxDelay               time.Duration
	SwapFee                uint64

	// Events
	NATSUrl    string
	NATSPrefix string

	// Features
	EnableMetrics bool
	EnableNATS    bool
}

type SynthNode struct {
	config  *Config
	engine  *synth.Engine
	logger  log.Logger
	metrics *metrics.Metrics
	ws      *websocket.Server
	events  *events.Publisher

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSynthNode(config *Config) (*SynthNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing synth node")

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Initialize database using luxfi/database manager
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "synthd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		// Fallback to memory database
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized",
			"path", filepath.Join(dataPath, "badgerdb"))
	}

	engine, err := synth.NewEngine(synth.Config{
		Admin:                  config.Admin,
		CollateralizationLevel: uint32(config.CollateralizationLevel),
		MaxDelay:               config.MaxDelay,
		SwapFee:                config.SwapFee,
		Store:                  synth.NewStore(db),
		Logger:                 logger.New("module", "engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	var m *metrics.Metrics
	if config.EnableMetrics {
		m, err = metrics.NewMetrics("synth")
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	var pub *events.Publisher
	if config.EnableNATS {
		pub, err = events.NewPublisher(config.NATSUrl, config.NATSPrefix, logger.New("module", "events"))
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", "error", err)
			pub = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SynthNode{
		config:  config,
		engine:  engine,
		logger:  logger,
		metrics: m,
		ws:      websocket.NewServer(engine, logger.New("module", "websocket"), websocket.DefaultConfig()),
		events:  pub,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (n *SynthNode) Start() error {
	n.logger.Info("Starting synth node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"admin", n.config.Admin)

	// Start JSON-RPC server
	n.wg.Add(1)
	go n.runJSONRPCServer()

	// Start WebSocket server
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server failed", "error", err)
		}
	}()

	// Start event fan-out
	n.wg.Add(1)
	go n.runEventFanout()

	// Start metrics
	if n.metrics != nil {
		n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort))

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()

		n.wg.Add(1)
		go n.runStateGauges()
	}

	n.logger.Info("Synth node started successfully")
	return nil
}

func (n *SynthNode) runJSONRPCServer() {
	defer n.wg.Done()

	rpcServer := api.NewJSONRPCServer(n.engine, n.logger.New("module", "rpc"), n.metrics)

	mux := http.NewServeMux()
	mux.Handle("/rpc", rpcServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	n.logger.Info("JSON-RPC server starting", "port", n.config.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server failed", "error", err)
	}
}

// runEventFanout drains the engine event channel into the WebSocket hub
// and the NATS publisher.
func (n *SynthNode) runEventFanout() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.engine.Events:
			if ev == nil {
				continue
			}
			n.ws.BroadcastEvent(ev)
			n.events.PublishEvent(ev)

			if ev.Type == synth.EventPriceUpdate {
				feed, _ := ev.Data["feed"].(string)
				ticker, _ := ev.Data["ticker"].(string)
				price, _ := ev.Data["price"].(uint64)
				n.ws.BroadcastPrice(feed, ticker, price)
				n.events.PublishPrice(feed, ticker, price)
			}
		}
	}
}

// runStateGauges refreshes engine state metrics periodically.
func (n *SynthNode) runStateGauges() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			state := n.engine.StateSnapshot()
			n.metrics.UpdateEngineState(state.Debt, state.Shares, state.CollateralBalance, len(state.Assets))
		}
	}
}

func (n *SynthNode) Shutdown() {
	n.logger.Info("Shutting down synth node")

	n.cancel()
	n.ws.Stop()
	n.wg.Wait()
	n.events.Close()

	n.logger.Info("Synth node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "JSON-RPC API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")

	flag.StringVar(&config.Admin, "admin", "admin", "Vault admin identity")
	flag.UintVar(&config.CollateralizationLevel, "collateralization", uint(synth.DefaultCollateralizationLevel), "Collateralization level in percent")
	flag.DurationVar(&config.MaxDelay, "max-delay", synth.DefaultMaxDelay, "Maximum oracle price age")
	flag.Uint64Var(&config.SwapFee, "swap-fee", synth.DefaultSwapFee, "Swap fee in basis points")

	flag.StringVar(&config.NATSUrl, "nats", "nats://localhost:4222", "NATS URL")
	flag.StringVar(&config.NATSPrefix, "nats-prefix", "synth", "NATS subject prefix")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Publish events to NATS")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	fmt.Printf("synthd starting on %s/%s (%d CPUs)\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	node, err := NewSynthNode(config)
	if err != nil {
		fmt.Printf("Failed to create node: %v\n", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Printf("Failed to start node: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Printf("\nReceived signal: %v\n", sig)

	node.Shutdown()
}
