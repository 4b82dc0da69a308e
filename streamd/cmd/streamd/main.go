package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/streampayhq/streampay/streamd/pkg/engine"
	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/metrics"
	"github.com/streampayhq/streampay/streamd/pkg/server"
	"github.com/streampayhq/streampay/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "127.0.0.1:7711"
	defaultMetricsAddr = "127.0.0.1:0"
	defaultRPCURL      = "https://api.mainnet-beta.solana.com"
	defaultWSURL       = "wss://api.mainnet-beta.solana.com"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := pflag.Bool("verbose", false, "Enable verbose (debug) logging")
	enablePprofFlag := pflag.Bool("enable-pprof", false, "Enable pprof server")
	listenAddrFlag := pflag.String("listen-addr", defaultListenAddr, "Address for the local wallet API")
	metricsAddrFlag := pflag.String("metrics-addr", defaultMetricsAddr, "Address for prometheus metrics")
	dbPathFlag := pflag.String("db", "", "Path to the stream database (default ~/.streampay/streams.db)")
	rpcURLFlag := pflag.String("rpc-url", envOr("SOLANA_RPC_URL", defaultRPCURL), "Solana RPC endpoint")
	wsURLFlag := pflag.String("ws-url", envOr("SOLANA_WS_URL", defaultWSURL), "Solana websocket endpoint")
	walletFlag := pflag.String("wallet", os.Getenv("STREAMPAY_WALLET"), "Wallet public key (derived from keypair if omitted)")
	keypairFlag := pflag.String("keypair", os.Getenv("STREAMPAY_KEYPAIR"), "Path to a solana keygen file; omit to start locked")
	sweepIntervalFlag := pflag.Duration("sweep-interval", time.Minute, "How often to look for due payments")
	fallbackIntervalFlag := pflag.Duration("fallback-interval", 5*time.Minute, "Periodic chain reconcile interval")
	confirmTimeoutFlag := pflag.Duration("confirm-timeout", 90*time.Second, "How long to wait for payment confirmation")
	shutdownTimeoutFlag := pflag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	pflag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			log.Warn("failed to initialize sentry, continuing without it", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	var signer ledger.Signer
	var wallet solana.PublicKey
	if *keypairFlag != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
		if err != nil {
			return fmt.Errorf("failed to load keypair: %w", err)
		}
		signer = ledger.NewKeypairSigner(key)
		wallet = key.PublicKey()
	}
	if *walletFlag != "" {
		pk, err := solana.PublicKeyFromBase58(*walletFlag)
		if err != nil {
			return fmt.Errorf("invalid wallet address: %w", err)
		}
		wallet = pk
	}
	if wallet.IsZero() {
		return fmt.Errorf("either --wallet or --keypair is required")
	}

	dbPath := *dbPathFlag
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".streampay", "streams.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	solClient, err := ledger.NewSolanaClient(ledger.SolanaClientConfig{
		Logger: log,
		RPC:    solanarpc.New(*rpcURLFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to create solana client: %w", err)
	}

	subscriber, err := ledger.NewWSSubscriber(ledger.WSSubscriberConfig{
		Logger: log,
		WSURL:  *wsURLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create log subscriber: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr:        *listenAddrFlag,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   *shutdownTimeoutFlag,
		VersionInfo:       server.VersionInfo{Version: version, Commit: commit, Date: date},
		EngineConfig: engine.Config{
			Logger:           log,
			DBPath:           dbPath,
			Wallet:           wallet,
			Ledger:           solClient,
			Memos:            solClient,
			Subscriber:       subscriber,
			Signer:           signer,
			SweepInterval:    *sweepIntervalFlag,
			FallbackInterval: *fallbackIntervalFlag,
			ConfirmTimeout:   *confirmTimeoutFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("streamd starting",
		"version", version, "wallet", wallet.String(), "listen_addr", *listenAddrFlag)
	return srv.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
