package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/auth"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/client"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/config"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/database"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/logging"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/server"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/state"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dao-ledger",
		Short: "DAO proposal ledger and tally service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the proposal stream and print every snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}

	setupFlags(rootCmd, watchCmd)
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(rootCmd, watchCmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("rounding", defaults.GetString("voting.rounding"), "Percentage rounding (integer, one_decimal)")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Proposal store driver (sqlite, mysql)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "MySQL DSN")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("rpc-url", defaults.GetString("wallet.rpc_url"), "Ethereum JSON-RPC endpoint for token balances")
	flags.String("token-address", defaults.GetString("wallet.token_address"), "ERC-20 governance token address")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis URL for wallet challenge nonces")

	bindFlag(flags.Lookup("log-level"), "log.level")
	bindFlag(flags.Lookup("log-format"), "log.format")
	bindFlag(flags.Lookup("rounding"), "voting.rounding")
	bindFlag(flags.Lookup("http-address"), "http.address")
	bindFlag(flags.Lookup("database-driver"), "database.driver")
	bindFlag(flags.Lookup("database-path"), "database.path")
	bindFlag(flags.Lookup("database-dsn"), "database.dsn")
	bindFlag(flags.Lookup("signing-secret"), "auth.signing_secret")
	bindFlag(flags.Lookup("rpc-url"), "wallet.rpc_url")
	bindFlag(flags.Lookup("token-address"), "wallet.token_address")
	bindFlag(flags.Lookup("redis-url"), "redis.url")

	watchFlags := watchCmd.Flags()
	watchFlags.String("server-url", defaults.GetString("watch.server_url"), "Ledger server base URL")
	watchFlags.String("address", defaults.GetString("watch.address"), "Wallet address to view proposals as")
	bindFlag(watchFlags.Lookup("server-url"), "watch.server_url")
	bindFlag(watchFlags.Lookup("address"), "watch.address")
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	proposalService, err := proposals.NewService(proposals.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: proposals.NewUUIDProvider(),
		Logger:     logger.Named("proposals"),
		Policy:     appConfig.Voting.Policy(),
	})
	if err != nil {
		return err
	}

	nonceStore, closeNonceStore, err := openNonceStore(ctx, appConfig.RedisURL, logger)
	if err != nil {
		return err
	}
	defer closeNonceStore()

	challenger, err := wallet.NewChallenger(wallet.ChallengerConfig{
		Store:           nonceStore,
		ApprovalTimeout: appConfig.Wallet.ApprovalTimeout,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Challenger:        challenger,
		TokenManager:      tokenManager,
		ProposalService:   proposalService,
		Realtime:          server.NewRealtimeDispatcher(),
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	}

	if appConfig.Wallet.RPCURL != "" {
		ethClient, err := ethclient.DialContext(ctx, appConfig.Wallet.RPCURL)
		if err != nil {
			return err
		}
		defer ethClient.Close()

		balances, err := wallet.NewTokenBalanceReader(wallet.TokenBalanceConfig{
			Caller:       ethClient,
			TokenAddress: appConfig.Wallet.TokenAddress,
			Timeout:      appConfig.Wallet.RPCTimeout,
			Retries:      appConfig.Wallet.BalanceRetries,
			Logger:       logger.Named("wallet"),
		})
		if err != nil {
			return err
		}
		dependencies.Balances = balances
	} else {
		logger.Warn("wallet.rpc_url not set; balances are unknown and gated actions are rejected")
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openNonceStore(ctx context.Context, redisURL string, logger *zap.Logger) (wallet.NonceStore, func(), error) {
	if redisURL == "" {
		logger.Info("using in-memory challenge store")
		return wallet.NewMemoryNonceStore(time.Now), func() {}, nil
	}
	store, err := wallet.NewRedisNonceStore(redisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	logger.Info("using redis challenge store")
	return store, func() { _ = store.Close() }, nil
}

func runWatch(ctx context.Context) error {
	watchConfig, err := config.LoadWatch(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(watchConfig.LogLevel, watchConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	appState := state.New()
	if watchConfig.Address != "" {
		address, err := wallet.ParseAddress(watchConfig.Address)
		if err != nil {
			return err
		}
		appState.Connect(address, wallet.UnknownBalance())
	}

	watcher, err := client.NewWatcher(client.WatcherConfig{
		ServerURL: watchConfig.ServerURL,
		State:     appState,
		Output:    os.Stdout,
		Policy:    watchConfig.Voting.Policy(),
		Logger:    logger.Named("watch"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watcher.Run(signalCtx)
}
