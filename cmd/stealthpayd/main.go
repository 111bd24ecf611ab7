package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stealthpay/balance"
	"stealthpay/config"
	"stealthpay/encryption"
	"stealthpay/facilitator"
	"stealthpay/gateway"
	"stealthpay/ledger"
	"stealthpay/observability/logging"
	"stealthpay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("stealthpayd", cfg.Environment)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		log.Fatalf("open ledger db: %v", err)
	}
	defer db.Close()

	provider := encryption.NewHTTPClient(cfg.ProviderURL, cfg.ProviderAPIKey)
	led := ledger.NewLedger(provider, ledger.NewStore(db), ledger.WithLogger(logger))
	if err := led.Load(); err != nil {
		log.Fatalf("load ledger: %v", err)
	}

	cache := balance.NewTrustCache()
	var reader balance.RemoteReader
	if cfg.BalanceRPCURL != "" {
		reader = balance.NewRPCBalanceReader(cfg.BalanceRPCURL, cfg.BalanceRPCAuth)
	}
	fac := facilitator.NewHTTPClient(cfg.FacilitatorURL, cfg.Network)

	server := gateway.NewServer(gateway.ServerConfig{
		Network:       cfg.Network,
		Asset:         cfg.Asset,
		PayTo:         cfg.PayTo,
		Owner:         cfg.Owner,
		PoolID:        cfg.PoolID,
		MetricsPrefix: cfg.MetricsPrefix,
		RateLimit: gateway.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, fac, cache, reader, led, logger)

	resources := make([]gateway.ProtectedResource, 0, len(cfg.Resources))
	for _, res := range cfg.Resources {
		resources = append(resources, gateway.ProtectedResource{
			Path:        res.Path,
			Amount:      res.Amount,
			Description: res.Description,
			Handler:     resourceHandler(res.Path),
		})
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(resources),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("stealthpay gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down stealthpay gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	led.Flush()
}

// resourceHandler serves the protected resource body once payment has
// settled. Real deployments mount their own handlers here.
func resourceHandler(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"resource": path,
			"status":   "paid",
		})
	})
}
