// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/mbd888/racegate/internal/security"
	"github.com/mbd888/racegate/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional, reconciliation log uses in-memory if not set)
	DatabaseURL string

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, no 0x prefix
	TokenContract string

	// Entry settings
	EntryAmount        string // Fixed entry fee, decimal string (e.g. "0.01")
	DestinationAddress string // Platform address receiving entry fees
	MinPlayers         int

	// Game identification
	GameID       string
	GameTitle    string
	GameCategory string

	// Entry issuance backend
	IssuerURL string

	// Identity
	JWTAudience string

	// Operator access to reconciliation review endpoints.
	// Empty disables the admin routes.
	AdminSecret string

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultEntryAmount   = "0.01"
	DefaultMinPlayers    = 2
	DefaultGameID        = "typerace"
	DefaultGameTitle     = "Type Race"
	DefaultGameCategory  = "racing"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"), // Required, no default
		TokenContract:      getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		EntryAmount:        getEnv("ENTRY_AMOUNT", DefaultEntryAmount),
		DestinationAddress: os.Getenv("DESTINATION_ADDRESS"), // Required
		MinPlayers:         int(getEnvInt64("MIN_PLAYERS", DefaultMinPlayers)),
		GameID:             getEnv("GAME_ID", DefaultGameID),
		GameTitle:          getEnv("GAME_TITLE", DefaultGameTitle),
		GameCategory:       getEnv("GAME_CATEGORY", DefaultGameCategory),
		IssuerURL:          os.Getenv("ISSUER_URL"), // Required
		JWTAudience:        getEnv("JWT_AUDIENCE", DefaultGameID),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if errs := validation.Validate(
		validation.Required("DESTINATION_ADDRESS", c.DestinationAddress),
		validation.ValidAddress("DESTINATION_ADDRESS", c.DestinationAddress),
		validation.ValidAddress("TOKEN_CONTRACT", c.TokenContract),
		validation.Required("ENTRY_AMOUNT", c.EntryAmount),
		validation.ValidAmount("ENTRY_AMOUNT", c.EntryAmount),
		validation.Required("GAME_ID", c.GameID),
		validation.MaxLength("GAME_TITLE", c.GameTitle, 100),
	); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", errs.Error())
	}

	if c.IssuerURL == "" {
		return fmt.Errorf("ISSUER_URL is required")
	}
	// The issuer URL is dialed server-side with player-provided headers;
	// block private and loopback targets outside local development.
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.IssuerURL); err != nil {
			return fmt.Errorf("invalid ISSUER_URL: %w", err)
		}
	}

	if c.MinPlayers < 2 {
		return fmt.Errorf("MIN_PLAYERS must be at least 2")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
