package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Remote panel (enforcement point)
	PanelHost      string
	PanelPort      int
	PanelUsername  string
	PanelPassword  string
	PanelBasePath  string
	PanelUseSSL    bool
	PanelInboundID int
	PanelTimeout   time.Duration

	// Fleet registry (country -> egress port)
	FleetStatePath      string
	FleetReloadInterval time.Duration

	// Reconciliation
	SweepInterval   time.Duration
	PerGrantTimeout time.Duration

	// Ledger export (FTP)
	ExportEnabled  bool
	ExportInterval time.Duration
	FTPHost        string
	FTPPort        int
	FTPUser        string
	FTPPassword    string
	FTPPath        string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a hostname-based value if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	panelPassword := getEnv("PANEL_PASSWORD", "")
	if panelPassword == "" {
		log.Println("WARNING: PANEL_PASSWORD not set - using panel default!")
		panelPassword = "admin"
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "routegate"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "routegate"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Remote panel
		PanelHost:      getEnv("PANEL_HOST", "127.0.0.1"),
		PanelPort:      getEnvInt("PANEL_PORT", 2053),
		PanelUsername:  getEnv("PANEL_USERNAME", "admin"),
		PanelPassword:  panelPassword,
		PanelBasePath:  getEnv("PANEL_BASE_PATH", "/"),
		PanelUseSSL:    getEnvBool("PANEL_USE_SSL", false),
		PanelInboundID: getEnvInt("PANEL_INBOUND_ID", 1),
		PanelTimeout:   time.Duration(getEnvInt("PANEL_TIMEOUT_SECONDS", 30)) * time.Second,

		// Fleet registry
		FleetStatePath:      getEnv("FLEET_STATE_PATH", "/etc/psiphon-fleet/fleet.state"),
		FleetReloadInterval: time.Duration(getEnvInt("FLEET_RELOAD_SECONDS", 300)) * time.Second,

		// Reconciliation
		SweepInterval:   time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		PerGrantTimeout: time.Duration(getEnvInt("SWEEP_GRANT_TIMEOUT_SECONDS", 10)) * time.Second,

		// Ledger export
		ExportEnabled:  getEnvBool("EXPORT_ENABLED", false),
		ExportInterval: time.Duration(getEnvInt("EXPORT_INTERVAL_HOURS", 24)) * time.Hour,
		FTPHost:        getEnv("FTP_HOST", ""),
		FTPPort:        getEnvInt("FTP_PORT", 21),
		FTPUser:        getEnv("FTP_USER", ""),
		FTPPassword:    getEnv("FTP_PASSWORD", ""),
		FTPPath:        getEnv("FTP_PATH", "/backups"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
