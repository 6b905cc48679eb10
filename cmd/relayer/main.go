package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/api"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/blockref"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/config"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/energy"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/marketplace"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/monitor"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/notify"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/pin"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/quote"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/relay"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/retry"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/storage"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/tx"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

func main() {
	if err := run(); err != nil {
		slog.Error("main: exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := config.Usage()
			if err != nil {
				return pkgerrors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			fmt.Println("usdt-relayer")
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return pkgerrors.Wrap(err, "validating config")
	}
	network, err := cfg.Network()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format).With("chain", string(network.Name))
	slog.SetDefault(logger)
	logger.Info("main: config", "config", cfg.String())

	key, err := loadKey(cfg)
	if err != nil {
		return pkgerrors.Wrap(err, "loading relayer key")
	}
	chainName := string(network.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// notifications
	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.Token != "" {
		notifier = notify.NewTelegram(notify.TelegramConfig{
			BaseURL:     cfg.Telegram.BaseURL,
			Token:       cfg.Telegram.Token,
			ChatID:      network.TelegramChatID,
			ChainName:   chainName,
			Environment: cfg.Environment,
			Timeout:     cfg.Telegram.Timeout,
		}, logger)
	} else {
		logger.Warn("main: telegram token not set, notifications are disabled")
	}
	geo := notify.NewGeolocator(cfg.Geo.URL, cfg.Geo.CacheTTL, logger)
	geo.Start()
	defer geo.Stop()

	// chain access
	rpcRetry := retry.Policy{Interval: cfg.TronGrid.RetryInterval, Timeout: cfg.TronGrid.RetryTimeout}
	client := chain.NewClient(chain.Config{
		BaseURL:   network.TronGridURL,
		APIKey:    cfg.TronGrid.APIKey,
		RPS:       cfg.TronGrid.RPS,
		Burst:     cfg.TronGrid.Burst,
		Timeout:   cfg.TronGrid.Timeout,
		Retry:     rpcRetry,
		ChainName: chainName,
	}, logger)

	refs := blockref.NewPoller(client, blockref.Config{
		Interval: cfg.BlockRef.Interval,
		MaxAge:   cfg.BlockRef.MaxAge,
	}, notifier, logger)
	if err := refs.Start(ctx); err != nil {
		return pkgerrors.Wrap(err, "starting block reference poller")
	}
	defer refs.Stop()

	builder := tx.NewBuilder(tx.BuilderConfig{
		FeeLimit:       cfg.Tx.FeeLimitSun,
		Expiration:     cfg.Tx.Expiration,
		PollInterval:   cfg.Tx.PollInterval,
		ConfirmTimeout: cfg.Tx.ConfirmTimeout,
		Retry:          rpcRetry,
		ChainName:      chainName,
	}, key, client, refs, logger)
	usdt := chain.NewToken(client, network.USDT)

	// pricing and energy
	market := marketplace.NewClient(marketplace.Config{
		URL:     cfg.Marketplace.URL,
		APIKey:  cfg.Marketplace.APIKey,
		Timeout: cfg.Marketplace.Timeout,
		Retry:   rpcRetry,
	}, builder, logger)
	quotes := quote.NewEngine(quote.Params{
		EnergyToEmptyAccount: cfg.Quote.EnergyToEmptyAccount,
		EnergyToHolder:       cfg.Quote.EnergyToHolder,
		TrxSingleTxBandwidth: decimal.RequireFromString(cfg.Quote.TrxSingleTxBandwidth),
		UsdtPerTrx:           decimal.RequireFromString(cfg.Quote.UsdtPerTrx),
		MarkupUSDT:           decimal.RequireFromString(cfg.Quote.MarkupUSDT),
	}, market, usdt, chainName, logger)

	rentals := energy.NewManager(energy.Config{
		JustLend:               network.JustLend,
		ActivationProxy:        network.ActivationProxy,
		StakedSunPerEnergyUnit: network.StakedSunPerEnergyUnit,
		DelegateSunForApproval: network.DelegateSunForApproval,
		PaySunForApproval:      network.PaySunForApproval,
		ChainName:              chainName,
	}, builder, client, energy.NewLedger(chainName, logger), logger)

	health := monitor.New(monitor.Config{
		Interval:         cfg.Monitor.Interval,
		MinRelayerEnergy: network.MinRelayerEnergy,
		EnergyTopUp:      network.EnergyTopUp,
		ExtendIfBelow:    cfg.Monitor.ExtendIfBelow,
		RentFor:          cfg.Monitor.RentFor,
		ChainName:        chainName,
	}, key.Address(), client, rentals, notifier, logger)

	// persistence
	ledger, err := storage.NewPebbleRelayLedger(cfg.Store.LedgerDir)
	if err != nil {
		return pkgerrors.Wrap(err, "opening relay ledger")
	}
	defer ledger.Close()

	var pins storage.PinStore = storage.NewMemoryPinStore()
	if cfg.Store.DatabaseURL != "" {
		db, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
			URL:             cfg.Store.DatabaseURL,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			QueryTimeout:    cfg.Store.QueryTimeout,
		})
		if err != nil {
			return pkgerrors.Wrap(err, "connecting to the database")
		}
		defer db.Close()
		pg := storage.NewPostgresPinStore(db, cfg.Store.QueryTimeout)
		if err := pg.Migrate(ctx); err != nil {
			return pkgerrors.Wrap(err, "migrating the pin store")
		}
		pins = pg
		logger.Info("main: connected to the database")
	} else {
		logger.Warn("main: database URL not set, encryption keys are kept in memory")
	}

	relayer := relay.NewService(relay.Config{
		USDT:          network.USDT,
		FeeCollector:  network.FeeCollector,
		Router:        network.Router,
		RouterFeeUSDT: decimal.RequireFromString(cfg.Router.FeeUSDT),
		ChainID:       network.ChainID,
		ExplorerURL:   network.ExplorerURL,
		ChainName:     chainName,
	}, relay.Deps{
		Quotes:   quotes,
		Token:    usdt,
		Txs:      builder,
		Market:   market,
		Rentals:  rentals,
		Ledger:   ledger,
		Notifier: notifier,
		Health:   health,
		Locator:  geo,
	}, logger)

	server := api.NewServer(relayer, quotes, pin.NewService(pins, cfg.Store.PinMaxAttempts, logger), notifier, logger)

	// the operators must hear about a restart
	startMsg := fmt.Sprintf("Relayer %s started, serving on %s.", key.Address(), cfg.Server.HTTPHost)
	if err := notifier.Notify(ctx, startMsg); err != nil {
		return pkgerrors.Wrap(err, "sending startup notification")
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		health.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPHost,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiError := make(chan error, 1)
	go func() {
		logger.Info("main: starting server", "addr", cfg.Server.HTTPHost)
		apiError <- httpServer.ListenAndServe()
	}()

	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsHost,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsError := make(chan error, 1)
	go func() {
		logger.Info("main: starting metrics server", "addr", cfg.Server.MetricsHost)
		metricsError <- metricsServer.ListenAndServe()
	}()

	logger.Info("main: service started", "relayer", key.Address().Base58())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("main: received shutdown signal, shutting down")
	case err := <-apiError:
		runErr = pkgerrors.Wrap(err, "api server")
	case err := <-metricsError:
		runErr = pkgerrors.Wrap(err, "metrics server")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("main: api server shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("main: metrics server shutdown", "error", err)
	}

	// settlements already answered to a client must finish
	settled := make(chan struct{})
	go func() {
		server.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-shutdownCtx.Done():
		// the ledger rejects their late writes with storage.ErrClosed
		logger.Error("main: gave up waiting for in-flight settlements")
	}
	<-monitorDone
	return runErr
}

func loadKey(cfg config.Config) (*wallet.Key, error) {
	if cfg.Wallet.PrivateKey != "" {
		return wallet.KeyFromHex(cfg.Wallet.PrivateKey)
	}
	return wallet.KeyFromMnemonic(cfg.Wallet.Mnemonic, "", cfg.Wallet.MnemonicIndex)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
