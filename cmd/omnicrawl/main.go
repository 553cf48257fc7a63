package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/omnicloud/omnicrawl/internal/config"
	"github.com/omnicloud/omnicrawl/internal/supervisor"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "omnicrawl.conf", "path to the crawler config file")
	flag.Parse()

	log.Printf("Starting omnicrawl v%s...", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Optional file logging (for live tail -f).
	// Example: OMNICRAWL_LOG_FILE=/var/log/omnicrawl.log
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Warning: failed to open log file %q: %v", cfg.LogFile, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, f))
			log.Printf("Logging to %s", cfg.LogFile)
		}
	}

	log.Printf("Configuration loaded:")
	log.Printf("  Listen: %s:%d", cfg.ListenHost, cfg.ListenPort)
	log.Printf("  Bootstrap routers: %d configured", len(cfg.Bootstrap))
	log.Printf("  Filter: capacity=%d error_rate=%g path=%s", cfg.FilterCapacity, cfg.FilterErrorRate, cfg.FilterPath)
	log.Printf("  Storage dir: %s", cfg.StorageDir)
	log.Printf("  Fetch concurrency: %d", cfg.FetchConcurrency)
	log.Printf("  Find interval: %s, status interval: %s", cfg.FindInterval, cfg.StatusInterval)
	if cfg.StatusAPIAddr != "" {
		log.Printf("  Status API: %s", cfg.StatusAPIAddr)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Fatalf("Failed to construct supervisor: %v", err)
	}

	if err := sup.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	log.Println("omnicrawl is running")
	log.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping omnicrawl...")
	sup.Shutdown()
	log.Println("omnicrawl stopped")
}
