package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv   string
	Port      string
	JWTSecret string
	// EnrollmentSecretHash is the bcrypt hash of the ward enrollment secret
	EnrollmentSecretHash string
	Database             DatabaseConfig
	Device               DeviceConfig
	ERP                  ERPConfig
}

// DatabaseConfig holds database configuration.
// When Driver is "sqlite" only Path is used.
type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Silent   bool
}

// DeviceConfig holds the settings of a documenting device
type DeviceConfig struct {
	ID           string
	ServerURL    string
	APIToken     string
	StoreKey     string // hex encoded 32 byte key
	StorePass    string // passphrase, used when StoreKey is empty
	StoreSalt    string
	IdentityPath string
}

// ERPConfig holds inventory system connection settings
type ERPConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		NodeEnv:              getEnv("NODE_ENV", "development"),
		Port:                 getEnv("PORT", "3001"),
		JWTSecret:            jwtSecret,
		EnrollmentSecretHash: os.Getenv("ENROLLMENT_SECRET_HASH"),
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Path:     getEnv("DB_PATH", "seedtrack.db"),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "seedtrack"),
			Silent:   getBoolEnv("DB_SILENT", true),
		},
		Device: DeviceConfig{
			ID:           os.Getenv("DEVICE_ID"),
			ServerURL:    getEnv("SYNC_SERVER_URL", "http://localhost:3001"),
			APIToken:     os.Getenv("SYNC_API_TOKEN"),
			StoreKey:     os.Getenv("DEVICE_STORE_KEY"),
			StorePass:    os.Getenv("DEVICE_STORE_PASSPHRASE"),
			StoreSalt:    getEnv("DEVICE_STORE_SALT", "seedtrack-device-store"),
			IdentityPath: getEnv("DEVICE_IDENTITY_PATH", ".seedtrack/device_identity.json"),
		},
		ERP: ERPConfig{
			URL:      os.Getenv("ERP_URL"),
			Database: os.Getenv("ERP_DB"),
			Username: os.Getenv("ERP_USER"),
			Password: os.Getenv("ERP_PASSWORD"),
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
