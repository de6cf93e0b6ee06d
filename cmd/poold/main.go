// main.go - Shielded pool daemon.
//
// Commands:
//
//	poold setup    compile the transaction circuits and generate or load the Groth16 keys
//	poold serve    open the pool and serve it over HTTP and websocket
//	poold keygen   create a shielded keypair, optionally with a signed account registration
//
// All commands read the JSON config given by --config, creating a default one when missing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
	"shieldpool/internal/transactions/bridge"
	"shieldpool/internal/transactions/register"
	"shieldpool/p2p"
)

var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "poold",
		Short:        "Shielded token pool daemon",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "poold.json", "path to the JSON config file")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Compile the transaction circuits and generate the proving keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := load(configPath)
			if err != nil {
				return err
			}
			defer logger.Close()

			start := time.Now()
			keys, err := shielded.Setup(config.KeyDir, config.TreeDepth)
			if err != nil {
				return err
			}
			logger.Info().
				Ints("shapes", keys.Shapes()).
				Int("depth", keys.Depth).
				Str("dir", config.KeyDir).
				Dur("elapsed", time.Since(start)).
				Msg("Keys ready")
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := load(configPath)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config, logger)
		},
	}

	var withOwner bool
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a shielded keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := shielded.NewKeypair()
			if err != nil {
				return err
			}
			sk, err := kp.PrivateKey()
			if err != nil {
				return err
			}
			out := map[string]any{
				"address":    kp.Address(),
				"privateKey": sk.Hex(),
			}
			if withOwner {
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				account, err := register.SignAccount(key, kp)
				if err != nil {
					return err
				}
				out["ownerKey"] = hexutil.Encode(crypto.FromECDSA(key))
				out["account"] = account
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	keygenCmd.Flags().BoolVar(&withOwner, "owner", false, "also create an owner account key and sign a registration")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "poold %s (%s)\n", Version, Commit)
		},
	}

	rootCmd.AddCommand(setupCmd, serveCmd, keygenCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load(configPath string) (*Config, *Logger, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	audit := ""
	if config.EnableAudit {
		audit = config.AuditLogPath
	}
	logger, err := NewLogger(config.LogLevel, config.LogFile, audit)
	if err != nil {
		return nil, nil, err
	}
	zlog.Logger = logger.Logger
	return config, logger, nil
}

func serve(ctx context.Context, config *Config, logger *Logger) error {
	metrics := NewMetrics()

	logger.Info().Int("depth", config.TreeDepth).Str("dir", config.KeyDir).Msg("Loading circuit keys")
	keys, err := shielded.Setup(config.KeyDir, config.TreeDepth)
	if err != nil {
		return err
	}

	store, err := pool.OpenLevelStore(filepath.Join(config.DataDir, "pool"), config.SyncWrites)
	if err != nil {
		return err
	}
	p, err := pool.Open(config.PoolConfig(), keys.Verifier(),
		pool.WithLogger(logger.With().Str("component", "pool").Logger()),
		pool.WithStore(store),
		pool.WithCustody(&auditCustody{log: logger, payouts: metrics.payouts}),
		pool.WithRegisterer(metrics.Registry),
	)
	if err != nil {
		store.Close()
		return err
	}
	defer p.Close()

	limiter := NewClientRateLimiter(config.RateLimit, config.RateBurst, 10*time.Minute)
	limiter.onLimit = metrics.limited.Inc
	registry := register.NewRegistry(logger.With().Str("component", "register").Logger())
	defer registry.Close()

	opts := []p2p.Option{
		p2p.WithLogger(logger.With().Str("component", "p2p").Logger()),
		p2p.WithRegistrar(registry),
		p2p.WithMiddleware(withTimeout(config.Timeout()), limiter.Middleware, metrics.Instrument),
	}
	if config.BridgeAddress != (common.Address{}) {
		adapter := bridge.New(config.BridgeAddress, config.TokenAddress, p,
			bridge.WithLogger(logger.With().Str("component", "bridge").Logger()),
			bridge.WithDeliveryLog(store),
			bridge.WithRegisterer(metrics.Registry),
		)
		opts = append(opts, p2p.WithDepositor(adapter, config.BridgeToken))
		logger.Info().Str("bridge", config.BridgeAddress.Hex()).Str("token", config.TokenAddress.Hex()).Msg("Bridge deliveries enabled")
	}
	node := p2p.NewNode(config.NodeID, config.ListenAddress, p, opts...)

	health := NewHealthChecker(Version)
	health.RegisterComponent("pool", func(ctx context.Context) error {
		stats := p.Stats()
		if stats.Halted {
			return errors.New("pool halted after a storage failure")
		}
		if stats.Capacity > 0 && stats.Leaves*10 >= stats.Capacity*9 {
			return &DegradedError{Reason: fmt.Sprintf("tree %d/%d full", stats.Leaves, stats.Capacity)}
		}
		return nil
	})
	health.RegisterComponent("keys", func(ctx context.Context) error {
		if len(keys.Shapes()) == 0 {
			return errors.New("no circuit keys loaded")
		}
		return nil
	})

	ops := &http.Server{
		Addr:              config.MetricsAddress,
		Handler:           opsHandler(metrics, health),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if config.MetricsAddress != "" {
		go func() {
			if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if err := node.Start(); err != nil {
		return err
	}
	stats := p.Stats()
	logger.Info().
		Str("address", node.Address).
		Uint64("leaves", stats.Leaves).
		Str("root", stats.Root.Hex()).
		Msg("Pool serving")
	logger.Audit("start").Str("node", config.NodeID).Str("root", stats.Root.Hex()).Send()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := limiter.Sweep(now); n > 0 {
					logger.Debug().Int("clients", n).Msg("Dropped idle rate limiters")
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Node shutdown incomplete")
	}
	if config.MetricsAddress != "" {
		ops.Shutdown(shutdownCtx)
	}
	logger.Audit("stop").Str("node", config.NodeID).Str("root", p.Root().Hex()).Send()
	return nil
}

func opsHandler(metrics *Metrics, health *HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := health.CheckHealth(r.Context())
		status := http.StatusOK
		if h.OverallStatus == Unhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(CreateHealthResponse(h))
	})
	return mux
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// auditCustody records payouts for the operator that settles them on the token ledger.
type auditCustody struct {
	log     *Logger
	payouts *prometheus.CounterVec
}

func (c *auditCustody) Release(ctx context.Context, p *pool.Payout) error {
	destination := "l2"
	if p.L1 {
		destination = "l1"
	}
	c.log.Audit("payout").
		Str("tx", p.TxID.Hex()).
		Str("destination", destination).
		Str("recipient", p.Recipient.Hex()).
		Str("amount", shielded.OrZero(p.Amount).Dec()).
		Str("l1_fee", shielded.OrZero(p.L1Fee).Dec()).
		Str("relayer", p.Relayer.Hex()).
		Str("fee", shielded.OrZero(p.Fee).Dec()).
		Send()
	c.payouts.WithLabelValues(destination).Inc()
	return nil
}
