package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FarmEscrow/internal/auth"
	"FarmEscrow/internal/chain"
	"FarmEscrow/internal/config"
	"FarmEscrow/internal/db"
	"FarmEscrow/internal/escrow"
	"FarmEscrow/internal/events"
	internalhttp "FarmEscrow/internal/http"
	"FarmEscrow/internal/logging"
	"FarmEscrow/internal/metrics"
	"FarmEscrow/internal/pricing"
	"FarmEscrow/internal/ratelimit"
	"FarmEscrow/internal/settlement"
	"FarmEscrow/internal/store"
	"FarmEscrow/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Service, cfg.Env, cfg.Log.Level)
	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	currency := pricing.Currency{Code: cfg.Currency.Code, Decimals: cfg.Currency.Decimals}
	if err := currency.Validate(); err != nil {
		return err
	}

	layer, closeChain, err := buildSettlement(ctx, cfg)
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	defer closeChain()

	hub := events.NewHub(logger)
	defer hub.Close()
	m := metrics.Escrow()
	publisher := events.NewMulti(m,
		events.Sink{Name: "log", Publisher: events.LogPublisher{Logger: logging.Component("events")}},
		events.Sink{Name: "websocket", Publisher: hub},
	)
	if cfg.AMQP.URL != "" {
		producer, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logging.Component("events"))
		if err != nil {
			logger.Warn("amqp unavailable, events will not be published to the broker", "err", err)
			publisher.Add(events.Sink{Name: "amqp", Publisher: &events.Fallback{Logger: logging.Component("events")}})
		} else {
			defer producer.Close()
			publisher.Add(events.Sink{Name: "amqp", Publisher: producer})
		}
	}

	opts := []escrow.Option{
		escrow.WithPublisher(publisher),
		escrow.WithMetrics(m),
		escrow.WithLogger(logging.Component("escrow")),
		escrow.WithCustody(chain.AddressDeriver{XPub: cfg.Wallet.XPub, Prefix: cfg.Wallet.Prefix, Format: cfg.Wallet.Format}),
	}
	if cfg.DB.DSN != "" {
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		opts = append(opts, escrow.WithStore(store.New(pool)))
	} else {
		logger.Warn("db.dsn is empty, escrows are kept in memory only")
	}

	engine := escrow.NewEngine(escrow.NewRegistry(), layer, opts...)
	restored, err := engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore escrows: %w", err)
	}
	logger.Info("escrows restored", "count", restored, "pending", engine.PendingCount())

	authn, err := auth.New(auth.Config{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		ClockSkew: time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute)

	h := internalhttp.NewHandler(engine, hub, currency)
	srv := internalhttp.NewServer(h, authn, limiter)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w := &worker.Worker{
		Engine:              engine,
		Interval:            time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		WSEndpoints:         headEndpoints(cfg),
		WSFailoverThreshold: cfg.Chain.RPCFailoverThreshold,
		Logger:              logging.Component("worker"),
	}
	go w.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr, "settlement", layer.Mode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctxShutdown)
}

func buildSettlement(ctx context.Context, cfg *config.Config) (settlement.Layer, func(), error) {
	if cfg.Settlement.Mode != config.ModeEVM {
		return settlement.NewLedger(
			settlement.WithAsync(cfg.Settlement.Async),
			settlement.WithExternalDeposits(true),
		), func() {}, nil
	}

	backend, closeAll, err := chain.Dial(ctx, cfg.Chain.RPCEndpoints, cfg.Chain.RPCFailoverThreshold)
	if err != nil {
		return nil, nil, err
	}
	opts := []settlement.EVMOption{
		settlement.WithGasLimit(cfg.Chain.GasLimit),
		settlement.WithConfirmations(cfg.Chain.Confirmations),
	}
	if cfg.Chain.ChainID != 0 {
		opts = append(opts, settlement.WithChainID(cfg.Chain.ChainID))
	}
	if cfg.Chain.WeiPerUnit != "" {
		v, ok := new(big.Int).SetString(cfg.Chain.WeiPerUnit, 10)
		if !ok || v.Sign() <= 0 {
			closeAll()
			return nil, nil, fmt.Errorf("invalid chain.wei_per_unit %q", cfg.Chain.WeiPerUnit)
		}
		opts = append(opts, settlement.WithWeiPerUnit(v))
	}
	layer, err := settlement.NewEVM(backend, cfg.Chain.PrivateKey, opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return layer, closeAll, nil
}

// headEndpoints are only used in evm mode; the ledger has no blocks.
func headEndpoints(cfg *config.Config) []string {
	if cfg.Settlement.Mode != config.ModeEVM {
		return nil
	}
	if len(cfg.Chain.WSEndpoints) > 0 {
		return cfg.Chain.WSEndpoints
	}
	var out []string
	for _, rpc := range cfg.Chain.RPCEndpoints {
		if ws := chain.DefaultWSEndpoint(rpc); ws != "" {
			out = append(out, ws)
		}
	}
	return out
}
