package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careledger.org/internal/consent"
	"careledger.org/internal/httpapi"
	"careledger.org/internal/obs"
	"careledger.org/internal/store/pg"
	"careledger.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	admin := consent.PrincipalID(envOr("CARELEDGER_ADMIN_PRINCIPAL", "admin"))
	addr := envOr("CARELEDGER_LISTEN_ADDR", ":8080")

	st := stream.New()

	// Durable ledger when a DSN is configured, in-memory otherwise.
	var (
		ledger consent.Service
		db     *sql.DB
	)
	if dsn := os.Getenv("CARELEDGER_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, admin, pg.WithEventSink(st))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		ledger = store
		db = store.DB()
	} else {
		log.Printf("CARELEDGER_PG_DSN not set, running with the in-memory ledger")
		ledger = consent.NewInMemory(admin, consent.WithEventSink(st))
	}

	api := httpapi.New(ledger, st, httpapi.ReadyProbe{DB: db}, version)

	// Rate limiting sits outside the API so test servers stay unthrottled.
	handler := httpapi.RateLimit(api.Handler(), 100, 50)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting careledger-api %s on %s", version, srv.Addr)

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
	st.Close()
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
