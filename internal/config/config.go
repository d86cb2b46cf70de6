package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the engine configuration
type Config struct {
	// Horizon endpoint for the target network
	HorizonURL string

	// Network passphrase ( mainnet or testnet )
	NetworkPassphrase string

	// Wallet signing seed ( S... secret key )
	SigningSeed string

	// Storage DSN: mem://, postgres://... or badger://path
	StorageDSN string

	// HTTP port for the health/metrics/streams API
	APIPort int

	// How often the scheduler scans for due payments
	ScanInterval time.Duration

	// How often a full chain reconciliation is attempted
	SyncInterval time.Duration

	// Live monitor reconnect budget
	MaxReconnects int

	// Log level: debug, info, warn, error
	LogLevel string
}

// Load reads the configuration from environment variables with defaults
// suitable for testnet
func Load() *Config {
	return &Config{
		// Use the public Stellar testnet Horizon
		// For mainnet use: https://horizon.stellar.org
		HorizonURL: getEnv("HORIZON_URL", "https://horizon-testnet.stellar.org"),

		// Mainnet passphrase use: Public Global Stellar Network ; September 2015
		NetworkPassphrase: getEnv("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),

		SigningSeed: os.Getenv("SIGNING_SEED"),

		StorageDSN: getEnv("STORAGE_DSN", "badger://data/subengine"),

		APIPort: getEnvAsInt("API_PORT", 8080),

		ScanInterval: time.Duration(getEnvAsInt("SCAN_INTERVAL_SEC", 60)) * time.Second,
		SyncInterval: time.Duration(getEnvAsInt("SYNC_INTERVAL_SEC", 300)) * time.Second,

		MaxReconnects: getEnvAsInt("MONITOR_MAX_RECONNECTS", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HorizonURL == "" {
		return fmt.Errorf("HorizonURL is required")
	}
	if c.NetworkPassphrase == "" {
		return fmt.Errorf("NetworkPassphrase is required")
	}
	if c.SigningSeed == "" {
		return fmt.Errorf("SigningSeed is required ( set SIGNING_SEED )")
	}
	if c.StorageDSN == "" {
		return fmt.Errorf("StorageDSN is required")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("APIPort %d is out of range", c.APIPort)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("ScanInterval must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SyncInterval must be positive")
	}
	return nil
}

// Helper: get string from env
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Helper: get int from env
func getEnvAsInt(key string, defaultVal int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
