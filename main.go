package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lazytuner/work/cache"
	"lazytuner/work/client"
	"lazytuner/work/config"
	"lazytuner/work/database"
	"lazytuner/work/handlers"
	"lazytuner/work/lineup"
	"lazytuner/work/logger"
	"lazytuner/work/provider"
	"lazytuner/work/refresh"
	"lazytuner/work/resolver"
	"lazytuner/work/schedule"
	"lazytuner/work/tuner"
	"lazytuner/work/types"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLevel(cfg.LogLevel)

	// Open the blocked-feeds store; the daemon runs without it if the
	// database can't be opened
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Warn("{main} Blocked-feeds store unavailable: %v", err)
		db = nil
	} else {
		defer db.Close()
	}

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// HTTP clients: one for provider API calls, one for stream relays
	apiClient := client.NewAPIClient(cfg)
	streamClient := client.NewStreamClient(cfg)

	// Provider client and schedule fetcher
	providerClient := provider.New(cfg, apiClient)
	fetcher := schedule.New(providerClient, workerPool)

	// Caches: schedule entities, resolved streams, rendered documents
	games := cache.NewStore[types.Game]()
	streams := cache.NewStore[*types.ResolvedStream]()
	docs := cache.NewDocuments(cfg.CacheTTL)
	defer docs.Close()

	// Lineup projection
	lineupManager, err := lineup.New(cfg)
	if err != nil {
		log.Fatalf("Invalid feed filter configuration: %v", err)
	}

	// Feed resolver
	res := resolver.New(cfg, providerClient, streams, db)

	// Tuner emulation server
	tunerServer := tuner.New(cfg, lineupManager, res, streamClient, docs)

	// Refresh loop: initial fetch then periodic
	loop := refresh.New(cfg, fetcher, games, lineupManager, docs, res, workerPool, db)
	loop.Start()
	defer loop.Stop()

	// Setup HTTP routes
	router := mux.NewRouter()

	// HDHomeRun device surface
	router.HandleFunc("/discover.json", handlers.HandleDiscover(tunerServer)).Methods("GET")
	router.HandleFunc("/lineup.json", handlers.HandleLineup(tunerServer)).Methods("GET")
	router.HandleFunc("/lineup.json", handlers.HandleLineupPost(tunerServer)).Methods("POST")
	router.HandleFunc("/lineup_status.json", handlers.HandleLineupStatus(tunerServer)).Methods("GET")

	// Guide and playlist for non-HDHomeRun players
	router.HandleFunc("/guide.xml", handlers.HandleGuide(tunerServer)).Methods("GET")
	router.HandleFunc("/playlist.m3u", handlers.HandlePlaylist(tunerServer)).Methods("GET")

	// Channel stream relay
	router.HandleFunc("/stream/{channel}", handlers.HandleStream(tunerServer)).Methods("GET")

	// Operational endpoints
	router.HandleFunc("/status", handlers.HandleStatus(tunerServer)).Methods("GET")
	router.HandleFunc("/refresh", handlers.HandleRefresh(loop)).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting lazytuner %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - League: %s", cfg.Provider.League)
	logger.Info("  - Schedule Window: -%dd .. +%dd", cfg.ScheduleDaysBehind, cfg.ScheduleDaysAhead)
	logger.Info("  - Refresh Interval: %s", cfg.RefreshInterval)
	logger.Info("  - Schedule Cache TTL: %s", cfg.CacheTTL)
	logger.Info("  - Resolution TTL Ceiling: %s", cfg.ResolveTTLCeiling)
	logger.Info("  - Resolve Lead Time: %s", cfg.ResolveLeadTime)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Tuner Count: %d", cfg.TunerCount)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{Addr: addr, Handler: router}

	// graceful shutdown on SIGINT/SIGTERM
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("Shutdown requested")
		server.Close()
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
}
