package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"orbitwatch/internal/alert"
	"orbitwatch/internal/api"
	"orbitwatch/internal/chain"
	"orbitwatch/internal/config"
	"orbitwatch/internal/indexer"
	"orbitwatch/internal/ipfs"
	"orbitwatch/internal/outbox"
	"orbitwatch/internal/rules"
	"orbitwatch/internal/service"
	"orbitwatch/internal/store"
	"orbitwatch/internal/verify"
)

// exitCode is set by subcommands that report an outcome through the process
// exit status. Applied in main after all defers have run.
var exitCode int

func main() {
	root := &cobra.Command{
		Use:          "orbitwatch",
		Short:        "Batch-posting gap watcher with verifiable evidence",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the indexer and rule engine poll loop",
		RunE:  runWatch,
	}
	watchCmd.Flags().String("rpc", "", "parent chain RPC URL")
	watchCmd.Flags().String("contract", "", "sequencer inbox contract address")
	watchCmd.Flags().String("route", "", "route identifier")
	watchCmd.Flags().Uint64("confirmations", 6, "blocks held back from chain head")
	watchCmd.Flags().Int64("threshold-secs", 900, "gap threshold in seconds")
	watchCmd.Flags().Int64("cooldown-secs", 600, "incident cooldown in seconds")
	watchCmd.Flags().Int("poll-secs", 30, "poll interval in seconds")
	watchCmd.Flags().Uint64("max-range", 500, "max blocks scanned per cycle")
	watchCmd.Flags().Uint64("seed-offset", 50, "blocks behind head for a fresh cursor")
	watchCmd.Flags().String("pg-dsn", "", "Postgres DSN (empty runs in-memory)")
	watchCmd.Flags().String("ipfs-api-url", "", "IPFS node API URL")
	watchCmd.Flags().String("ipfs-gateway-url", "", "IPFS gateway base URL")
	watchCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(watchCmd)

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Run the outbox dispatcher poll loop",
		RunE:  runAlerts,
	}
	alertsCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	alertsCmd.Flags().Int("alert-poll-secs", 5, "drain interval in seconds")
	alertsCmd.Flags().String("telegram-bot-token", "", "Telegram bot token (empty dry-runs)")
	alertsCmd.Flags().String("telegram-chat-id", "", "Telegram chat id")
	alertsCmd.Flags().String("ipfs-gateway-url", "", "IPFS gateway base URL")
	alertsCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(alertsCmd)

	recomputeCmd := &cobra.Command{
		Use:   "recompute",
		Short: "Re-derive a recorded decision from a published evidence CID",
		RunE:  runRecompute,
	}
	recomputeCmd.Flags().String("cid", "", "evidence content identifier")
	recomputeCmd.Flags().String("rpc", "", "override RPC endpoint for the re-query")
	recomputeCmd.Flags().Int64("tolerance-secs", 10, "allowed gap drift in seconds")
	recomputeCmd.Flags().String("ipfs-gateway-url", "", "IPFS gateway base URL")
	recomputeCmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")
	root.AddCommand(recomputeCmd)

	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the read-only incident API",
		RunE:  runAPI,
	}
	apiCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	apiCmd.Flags().Int("api-port", 3001, "listen port")
	apiCmd.Flags().String("ipfs-gateway-url", "", "IPFS gateway base URL")
	apiCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(apiCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openStore picks Postgres when a DSN is configured, otherwise falls back to
// the in-memory store for local demos.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.PgDSN == "" {
		logger.Warn("no pg-dsn configured, using in-memory store (state lost on exit)")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PgDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return pg, pg.Close, nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("invalid contract address: %q", cfg.Contract)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ipfsClient := ipfs.NewClient(cfg.IPFSAPIURL, cfg.IPFSGatewayURL)

	ix := indexer.New(indexer.Config{
		CursorID:      cfg.CursorID(),
		Contract:      common.HexToAddress(cfg.Contract),
		Confirmations: cfg.Confirmations,
		MaxRange:      cfg.MaxRange,
		SeedOffset:    cfg.SeedOffset,
	}, chainClient, st, logger)

	engine := rules.NewEngine(rules.Config{
		RouteID:         cfg.RouteID,
		ThresholdSecs:   cfg.ThresholdSecs,
		CooldownSecs:    cfg.CooldownSecs,
		SourceEndpoint:  cfg.RPCURL,
		ContractAddress: common.HexToAddress(cfg.Contract).Hex(),
	}, st, ipfsClient, logger)

	logger.Info("watch start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", cfg.Contract),
		zap.String("route", cfg.RouteID),
		zap.Int64("threshold_secs", cfg.ThresholdSecs),
		zap.Int64("cooldown_secs", cfg.CooldownSecs),
		zap.Int("poll_secs", cfg.PollSecs),
	)

	service.NewWatch(ix, engine, logger).Run(ctx, time.Duration(cfg.PollSecs)*time.Second)
	return nil
}

func runAlerts(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier := alert.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, cfg.IPFSGatewayURL, logger)
	dispatcher := outbox.NewDispatcher(outbox.DefaultConfig(), st, notifier, logger)

	logger.Info("alerts start", zap.Int("poll_secs", cfg.AlertPollSecs))

	service.NewAlerts(dispatcher, logger).Run(ctx, time.Duration(cfg.AlertPollSecs)*time.Second)
	return nil
}

func runRecompute(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cid, _ := cmd.Flags().GetString("cid")
	if cid == "" {
		return fmt.Errorf("--cid is required")
	}
	rpcOverride, _ := cmd.Flags().GetString("rpc")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ipfsClient := ipfs.NewClient(cfg.IPFSAPIURL, cfg.IPFSGatewayURL)
	dial := func(ctx context.Context, rpcURL string) (chain.Reader, func(), error) {
		client, err := chain.NewClient(ctx, rpcURL)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	verifier := verify.New(ipfsClient, dial, cfg.ToleranceSecs, logger)
	report, err := verifier.Verify(ctx, cid, rpcOverride)
	if err != nil {
		return err
	}

	printReport(report, cfg.ToleranceSecs)

	exitCode = exitCodeFor(report.Verdict)
	return nil
}

// exitCodeFor maps a verdict to the process exit status: 0 MATCH, 2 DIFF,
// 3 INCONCLUSIVE. Operational errors exit 1 via the usual error path.
func exitCodeFor(verdict verify.Verdict) int {
	switch verdict {
	case verify.VerdictDiff:
		return 2
	case verify.VerdictInconclusive:
		return 3
	default:
		return 0
	}
}

func printReport(report verify.Report, toleranceSecs int64) {
	bundle := report.Bundle
	fmt.Printf("Evidence bundle %s\n", bundle.Version)
	fmt.Printf("Generated at: %s\n", bundle.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("Route: %s\n", bundle.RouteID)
	fmt.Printf("Rule: %s\n", bundle.RuleType)
	fmt.Printf("Severity: %s\n", bundle.Severity)
	fmt.Printf("Threshold: %ds\n", bundle.ThresholdSecs)
	fmt.Printf("Bundle hash: %s (verified)\n\n", bundle.BundleHash)

	fmt.Printf("Verdict: %s\n", report.Verdict)
	if report.Verdict != verify.VerdictInconclusive {
		fmt.Printf("  Recorded gap:   %ds\n", bundle.ComputedGapSecs)
		fmt.Printf("  Recomputed gap: %ds\n", report.RecomputedGapSecs)
		fmt.Printf("  Drift:          %ds (tolerance: %ds)\n", report.DriftSecs, toleranceSecs)
	} else {
		fmt.Printf("  No logs in range and no recorded last-observed event\n")
	}
	if report.LastObserved != nil {
		fmt.Printf("  Last batch block:     %d\n", report.LastObserved.BlockNumber)
		fmt.Printf("  Last batch tx:        %s\n", report.LastObserved.TxHash)
		fmt.Printf("  Last batch log index: %d\n", report.LastObserved.LogIndex)
		fmt.Printf("  Last batch timestamp: %d\n", report.LastObserved.BlockTimestamp)
	}
	fmt.Printf("\nDecision: fired=%t\nReason: %s\n", bundle.Decision.Fired, bundle.Decision.Reason)
}

func runAPI(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ipfsClient := ipfs.NewClient(cfg.IPFSAPIURL, cfg.IPFSGatewayURL)
	return api.NewServer(st, ipfsClient, logger).Run(ctx, cfg.APIPort)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
