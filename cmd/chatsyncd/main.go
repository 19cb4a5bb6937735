package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/maintenance"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/shutdown"
	"chatsync/pkg/store"
)

// chatsyncd opens the embedded document store and serves the operational
// endpoints (/healthz, /readyz, /metrics). The sync engine itself is a
// library; this daemon hosts its store and observability.
func main() {
	_ = godotenv.Load(".env")

	var (
		addrFlag = flag.String("addr", "", "listen address (host:port), overrides config")
		dbFlag   = flag.String("db", "", "pebble db path, overrides config")
		cfgFlag  = flag.String("config", "", "path to config.yaml")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgFlag)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	addr := cfg.Addr()
	if *addrFlag != "" {
		addr = *addrFlag
	}
	dbPath := cfg.Storage.DBPath
	if *dbFlag != "" {
		dbPath = *dbFlag
	}
	if dbPath == "" {
		dbPath = "./chatsync-data"
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	stopMaint, err := maintenance.Start(ctx, st, cfg.Maintenance.Enabled, cfg.Maintenance.Cron)
	if err != nil {
		log.Fatalf("failed to start maintenance: %v", err)
	}
	defer stopMaint()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !st.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
		logger.Info("shutdown_complete")
	case err := <-errCh:
		logger.Error("http_server_failed", "error", err)
	}
}
