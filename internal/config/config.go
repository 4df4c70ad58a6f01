package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Bind scopes for the rendezvous relay listener.
const (
	BindLoopback = "loopback"
	BindAll      = "all"
)

type Config struct {
	// General
	Environment string `validate:"required,oneof=development production test"`
	LogLevel    string `validate:"required,oneof=debug info warn error"`

	// Relay server
	RelayPort         string `validate:"required,numeric"`
	RelayBindScope    string `validate:"required,oneof=loopback all"`
	RelayRedisAddress string
	RelayMDNS         bool

	// Peer transport
	RelayURLs         []string `validate:"dive,url"`
	ICEServers        []string
	TURNUsername      string
	TURNCredential    string
	DirectLinks       bool
	MaxConnections    int           `validate:"min=1,max=256"`
	KeepaliveInterval time.Duration `validate:"min=100ms"`
	KeepaliveMisses   int           `validate:"min=1"`
	ConnectTimeout    time.Duration `validate:"min=100ms"`

	// Local persistence
	DataDir         string        `validate:"required"`
	PersistDebounce time.Duration `validate:"min=0"`
	PersistMaxBytes int64         `validate:"min=1024"`
	FlushTimeout    time.Duration `validate:"min=10ms"`
	CloseTimeout    time.Duration `validate:"min=10ms"`

	// Encryption
	KeyCacheSize  int           `validate:"min=1"`
	KeyCacheTTL   time.Duration `validate:"min=1s"`
	KDFIterations int           `validate:"min=1000"`

	// Membership
	MaxMembers    int `validate:"min=1"`
	MaxWorkspaces int `validate:"min=1"`

	// Local identity
	UserID      string
	DisplayName string
}

// Global application configuration
var AppConfig Config

var validate = validator.New()

// LoadConfig loads configuration from environment variables
func LoadConfig() error {
	// Find .env file
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		// Try to find .env in parent directories
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}

	// Load .env file if it exists
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Environment:       "development",
		LogLevel:          "info",
		RelayPort:         "4444",
		RelayBindScope:    BindLoopback,
		RelayURLs:         []string{"ws://127.0.0.1:4444/ws"},
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
		DirectLinks:       true,
		MaxConnections:    20,
		KeepaliveInterval: 5 * time.Second,
		KeepaliveMisses:   3,
		ConnectTimeout:    15 * time.Second,
		DataDir:           ".collab",
		PersistDebounce:   500 * time.Millisecond,
		PersistMaxBytes:   8 << 20,
		FlushTimeout:      2 * time.Second,
		CloseTimeout:      3 * time.Second,
		KeyCacheSize:      32,
		KeyCacheTTL:       30 * time.Minute,
		KDFIterations:     100000,
		MaxMembers:        100,
		MaxWorkspaces:     50,
	}
}

// FromEnv builds a Config from environment variables over Default.
func FromEnv() Config {
	d := Default()
	return Config{
		Environment:       getEnv("ENV", d.Environment),
		LogLevel:          getEnv("LOG_LEVEL", d.LogLevel),
		RelayPort:         getEnv("RELAY_PORT", d.RelayPort),
		RelayBindScope:    getEnv("RELAY_BIND_SCOPE", d.RelayBindScope),
		RelayRedisAddress: getEnv("RELAY_REDIS_ADDRESS", ""),
		RelayMDNS:         getBool("RELAY_MDNS", d.RelayMDNS),
		RelayURLs:         getList("RELAY_URLS", d.RelayURLs),
		ICEServers:        getList("ICE_SERVERS", d.ICEServers),
		TURNUsername:      getEnv("TURN_USERNAME", ""),
		TURNCredential:    getEnv("TURN_CREDENTIAL", ""),
		DirectLinks:       getBool("DIRECT_LINKS", d.DirectLinks),
		MaxConnections:    getInt("MAX_CONNECTIONS", d.MaxConnections),
		KeepaliveInterval: getDuration("KEEPALIVE_INTERVAL", d.KeepaliveInterval),
		KeepaliveMisses:   getInt("KEEPALIVE_MISSES", d.KeepaliveMisses),
		ConnectTimeout:    getDuration("CONNECT_TIMEOUT", d.ConnectTimeout),
		DataDir:           getEnv("DATA_DIR", d.DataDir),
		PersistDebounce:   getDuration("PERSIST_DEBOUNCE", d.PersistDebounce),
		PersistMaxBytes:   int64(getInt("PERSIST_MAX_BYTES", int(d.PersistMaxBytes))),
		FlushTimeout:      getDuration("FLUSH_TIMEOUT", d.FlushTimeout),
		CloseTimeout:      getDuration("CLOSE_TIMEOUT", d.CloseTimeout),
		KeyCacheSize:      getInt("KEY_CACHE_SIZE", d.KeyCacheSize),
		KeyCacheTTL:       getDuration("KEY_CACHE_TTL", d.KeyCacheTTL),
		KDFIterations:     getInt("KDF_ITERATIONS", d.KDFIterations),
		MaxMembers:        getInt("MAX_MEMBERS", d.MaxMembers),
		MaxWorkspaces:     getInt("MAX_WORKSPACES", d.MaxWorkspaces),
		UserID:            getEnv("USER_ID", ""),
		DisplayName:       getEnv("DISPLAY_NAME", ""),
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RelayListenAddress resolves the bind scope into a listen address.
func (c Config) RelayListenAddress() string {
	host := "127.0.0.1"
	if c.RelayBindScope == BindAll {
		host = "0.0.0.0"
	}
	return host + ":" + c.RelayPort
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getList splits a comma separated variable, dropping empty items.
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
