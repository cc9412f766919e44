package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentra.dev/internal/config"
	"sentra.dev/internal/notify"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/security"
	"sentra.dev/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("SENTRA_COMMIT"))

	cfg, err := config.New(os.Getenv("SENTRA_ENV_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	opts := []security.Option{}

	var store *pg.Store
	if cfg.PostgresDSN != "" {
		store, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.Migrate(ctx); err != nil {
			cancel()
			log.Fatalf("migrate: %v", err)
		}
		cancel()
		opts = append(opts, security.WithPersistence(store, store), security.WithAuditSink(store))
	}

	var producer *notify.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = notify.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		opts = append(opts, security.WithNotifier(producer))
	}

	svc := security.New(cfg.Security, opts...)
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		records, err := store.LoadUserAccess(ctx)
		cancel()
		if err != nil {
			log.Fatalf("load user access: %v", err)
		}
		svc.Access().Restore(records)
	}
	svc.Start(context.Background())

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.DB().PingContext(ctx); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/v1/security/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Snapshot(time.Now()))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sentra-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	svc.Stop()
	if producer != nil {
		_ = producer.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
