package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"millow-back-onchain/config"
	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/gateway/metadata"
	"millow-back-onchain/gateway/wallet"
	contractHandler "millow-back-onchain/handler/contract"
	listingHandler "millow-back-onchain/handler/listing"
	sessionHandler "millow-back-onchain/handler/session"
	"millow-back-onchain/logging"
	"millow-back-onchain/metrics"
	"millow-back-onchain/retry"
	"millow-back-onchain/usecase/catalog"
	contractUsecase "millow-back-onchain/usecase/contract"
	"millow-back-onchain/usecase/escrow"
	"millow-back-onchain/usecase/session"
	"millow-back-onchain/usecase/transaction"
)

func main() {
	// --- 1. 初期設定 ---
	cfg, err := config.Load()
	if err != nil {
		logging.New("error", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	networks, err := config.LoadNetworks(cfg.NetworksFile)
	if err != nil {
		logger.Error("failed to load networks file", "path", cfg.NetworksFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 2. チェーン接続 ---
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	gw, err := chain.Dial(dialCtx, cfg.RPCURL, networks,
		chain.WithPollInterval(cfg.ConfirmationPollInterval),
		chain.WithConfirmationTimeout(cfg.ConfirmationTimeout),
		chain.WithLogger(logger.With("component", "chain")),
	)
	cancel()
	if err != nil {
		// 未設定のネットワークは起動できない
		logger.Error("failed to connect to chain", "rpc_url", cfg.RPCURL, "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	// --- 3. ウォレット ---
	keyring, err := wallet.NewKeyring(cfg.PrivateKeys)
	if err != nil {
		logger.Error("failed to load wallet keys", "error", err)
		os.Exit(1)
	}
	if len(cfg.PrivateKeys) == 0 {
		logger.Warn("no wallet keys configured; connect will report wallet unavailable")
	}

	// --- 4. 依存性注入 ---
	fetcher := metadata.NewHTTPFetcher(cfg.MetadataTimeout, cfg.IPFSGateway, logger.With("component", "metadata"))
	catalogSvc := catalog.NewService(gw, fetcher, catalog.Policy(cfg.CatalogPolicy), logger.With("component", "catalog"))

	resolver := escrow.NewResolver(gw, retry.Policy{
		MaxAttempts: cfg.ReadRetryAttempts,
		BaseDelay:   cfg.ReadRetryBaseDelay,
		MaxDelay:    escrow.DefaultRetryPolicy.MaxDelay,
	}, logger.With("component", "escrow"))
	sequencer := transaction.NewSequencer(gw, logger.With("component", "sequencer"))
	sess := session.New(keyring, resolver, sequencer, logger.With("component", "session"))
	go sess.Watch(ctx)

	contractUC := contractUsecase.NewContractUsecase(gw, logger)

	// --- 5. ルーティングの設定 ---
	router := mux.NewRouter()
	router.Use(logging.Middleware(logger), metrics.Middleware)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	contractHandler.NewContractHandler(contractUC).Register(router)
	listingHandler.NewListingHandler(catalogSvc, sess).Register(router)
	sessionHandler.NewSessionHandler(sess, keyring).Register(router)

	// --- 6. CORSミドルウェアの設定 ---
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		// 開発環境ではCORSの判定をログに出す
		Debug: cfg.IsDevelopment(),
	})

	// --- 7. サーバー起動 ---
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("millow onchain service starting",
			"port", cfg.Port,
			"env", cfg.Env,
			"chain_id", gw.Network().ChainID.String(),
			"catalog_policy", string(cfg.CatalogPolicy),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// 起動時にカタログを読み込む（失敗してもリクエスト時に再試行される）
	go func() {
		if _, err := catalogSvc.LoadAll(ctx); err != nil {
			logger.Warn("initial catalog load failed", "error", err)
		}
	}()

	select {
	case err := <-errChan:
		logger.Error("could not start server", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
