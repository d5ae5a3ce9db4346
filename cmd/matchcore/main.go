package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"matchcore/internal/api"
	"matchcore/internal/sim"
	"matchcore/internal/store"
	"matchcore/web"
)

func main() {
	defaults := sim.DefaultConfig()

	traders := flag.Int("traders", defaults.Traders, "number of random traders")
	capacity := flag.Int("capacity", defaults.Store.Capacity, "order store capacity")
	instruments := flag.Int("instruments", defaults.Store.MaxInstruments, "number of instruments")
	interval := flag.Duration("interval", defaults.Trader.Interval, "pause between trader cycles")
	duration := flag.Duration("duration", 0, "stop after this long (0 = until signal or store full)")
	dbPath := flag.String("db", ":memory:", "SQLite journal path")
	port := flag.String("port", "", "HTTP port (empty disables the API)")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	apiKeyHash := flag.String("api-key-hash", os.Getenv("MATCHCORE_API_KEY_HASH"), "bcrypt hash of the order-entry API key (empty disables auth)")
	printKeyHash := flag.String("print-key-hash", "", "print the bcrypt hash of this key and exit")
	rate := flag.Int("rate", 0, "order-entry requests per minute per client (0 = unlimited)")
	quiet := flag.Bool("quiet", false, "only log trades, rejections and lifecycle lines")
	flag.Parse()

	if *printKeyHash != "" {
		hash, err := api.HashAPIKey(*printKeyHash)
		if err != nil {
			log.Fatalf("Failed to hash key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	config := defaults
	config.Traders = *traders
	config.Store.Capacity = *capacity
	config.Store.MaxInstruments = *instruments
	config.Trader.Interval = *interval
	config.Quiet = *quiet

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	runner, err := sim.NewRunner(config, st, log.Default())
	if err != nil {
		log.Fatalf("Failed to create simulation: %v", err)
	}

	var (
		server     *api.Server
		httpServer *http.Server
	)
	if *port != "" {
		staticFS, err := web.StaticFS()
		if err != nil {
			log.Fatalf("Failed to load embedded status page: %v", err)
		}

		opts := api.Options{
			APIKeyHash: *apiKeyHash,
			RateLimit:  *rate,
			Journal:    st,
			RunID:      runner.RunID(),
			StaticFS:   staticFS,
			OnEvent:    runner.Record,
		}
		if *corsOrigins != "" {
			origins := strings.Split(*corsOrigins, ",")
			for i := range origins {
				origins[i] = strings.TrimSpace(origins[i])
			}
			opts.CORSOrigins = origins
			log.Printf("CORS restricted to: %v", origins)
		}

		server = api.NewServer(runner.Engine(), opts)
		server.SetBotStats(runner.Manager().Stats)
		runner.OnEvent(server.BroadcastEvent)

		addr := ":" + *port
		httpServer = &http.Server{
			Addr:    addr,
			Handler: server.Router(),
		}
		go func() {
			log.Printf("Starting API on http://localhost%s", addr)
			if *apiKeyHash == "" {
				log.Printf("Order entry is unauthenticated")
			}
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	log.Printf("Journal: %s (run %s)", *dbPath, runner.RunID())
	runner.Start()

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Interrupted, stopping traders...")
	case <-timeout:
		log.Println("Duration elapsed, stopping traders...")
	case <-runner.Done():
		log.Println("All traders exited")
	}

	runner.Stop()

	if httpServer != nil {
		server.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Println("HTTP server stopped")
	}

	if summary, err := st.Summary(runner.RunID()); err == nil {
		log.Printf("Run %s: %d accepted, %d rejected, %d trades, volume %d",
			summary.RunID, summary.Accepted, summary.Rejected, summary.Trades, summary.Volume)
	}

	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
}
