// Package config loads crawler configuration from defaults, an optional
// key=value file, and environment variable overrides, in that order.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BootstrapAddr is one (host, port) pair from the bootstrap list.
type BootstrapAddr struct {
	Host string
	Port int
}

// Config holds all crawler configuration.
type Config struct {
	// DHT UDP bind.
	ListenHost string
	ListenPort int

	// Bootstrap routers contacted at startup.
	Bootstrap []BootstrapAddr

	// Membership filter.
	FilterCapacity  uint
	FilterErrorRate float64
	FilterPath      string

	// Torrent storage.
	StorageDir string

	// Fetch and discovery cadence.
	FetchConcurrency int
	FindInterval     time.Duration
	StatusInterval   time.Duration

	// Transaction table bound (spec.md §5 resource bounds).
	TransactionTableLimit int

	// Status API (optional; disabled when StatusAPIAddr is empty).
	StatusAPIAddr string

	// Ambient: mirrors the teacher's OMNICLOUD_LOG_FILE convention.
	LogFile string
}

// Load builds a Config from built-in defaults, then configPath if it
// exists, then environment variables. Environment variables take
// precedence over the file, which takes precedence over defaults.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		ListenHost: "0.0.0.0",
		ListenPort: 6881,
		Bootstrap: []BootstrapAddr{
			{Host: "router.bittorrent.com", Port: 6881},
			{Host: "router.utorrent.com", Port: 6881},
			{Host: "dht.transmissionbt.com", Port: 6881},
		},
		FilterCapacity:  100_000_000,
		FilterErrorRate: 1e-4,
		FilterPath:      "omnicrawl.filter",

		StorageDir: "./torrents",

		FetchConcurrency: 100,
		FindInterval:      60 * time.Second,
		StatusInterval:    30 * time.Second,

		TransactionTableLimit: 4096,

		StatusAPIAddr: "",
		LogFile:       "",
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.FetchConcurrency <= 0 {
		return nil, fmt.Errorf("fetch_concurrency must be positive, got %d", cfg.FetchConcurrency)
	}

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "listen_host":
			cfg.ListenHost = value
		case "listen_port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.ListenPort = port
			}
		case "bootstrap":
			if addrs, err := parseBootstrapList(value); err == nil {
				cfg.Bootstrap = addrs
			}
		case "filter_capacity":
			if cap, err := strconv.ParseUint(value, 10, 64); err == nil {
				cfg.FilterCapacity = uint(cap)
			}
		case "filter_error_rate":
			if rate, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.FilterErrorRate = rate
			}
		case "filter_path":
			cfg.FilterPath = value
		case "storage_dir":
			cfg.StorageDir = value
		case "fetch_concurrency":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.FetchConcurrency = n
			}
		case "find_interval_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.FindInterval = time.Duration(n) * time.Second
			}
		case "status_interval_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.StatusInterval = time.Duration(n) * time.Second
			}
		case "transaction_table_limit":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.TransactionTableLimit = n
			}
		case "status_api_addr":
			cfg.StatusAPIAddr = value
		case "log_file":
			cfg.LogFile = value
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("OMNICRAWL_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v := os.Getenv("OMNICRAWL_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = port
		}
	}
	if v := os.Getenv("OMNICRAWL_BOOTSTRAP"); v != "" {
		if addrs, err := parseBootstrapList(v); err == nil {
			cfg.Bootstrap = addrs
		}
	}
	if v := os.Getenv("OMNICRAWL_FILTER_CAPACITY"); v != "" {
		if cap, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.FilterCapacity = uint(cap)
		}
	}
	if v := os.Getenv("OMNICRAWL_FILTER_ERROR_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FilterErrorRate = rate
		}
	}
	if v := os.Getenv("OMNICRAWL_FILTER_PATH"); v != "" {
		cfg.FilterPath = v
	}
	if v := os.Getenv("OMNICRAWL_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("OMNICRAWL_FETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FetchConcurrency = n
		}
	}
	if v := os.Getenv("OMNICRAWL_FIND_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FindInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("OMNICRAWL_STATUS_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatusInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("OMNICRAWL_TRANSACTION_TABLE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TransactionTableLimit = n
		}
	}
	if v := os.Getenv("OMNICRAWL_STATUS_API_ADDR"); v != "" {
		cfg.StatusAPIAddr = v
	}
	if v := os.Getenv("OMNICRAWL_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}

// parseBootstrapList parses a comma-separated "host:port,host:port" list.
func parseBootstrapList(v string) ([]BootstrapAddr, error) {
	var out []BootstrapAddr
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, ":")
		if idx < 0 {
			return nil, fmt.Errorf("bootstrap entry %q missing port", entry)
		}
		port, err := strconv.Atoi(entry[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("bootstrap entry %q has invalid port: %w", entry, err)
		}
		out = append(out, BootstrapAddr{Host: entry[:idx], Port: port})
	}
	return out, nil
}
