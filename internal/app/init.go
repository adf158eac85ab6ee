package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/linkedai/assist-backend/internal/config"
	"github.com/linkedai/assist-backend/internal/db"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InitOptions describes the config file generated by the init command.
type InitOptions struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	Port             int
	LedgerBackend    string
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "assist.db"

// BuildDSN builds a database DSN from init options.
func BuildDSN(opts InitOptions) (string, error) {
	switch strings.ToLower(strings.TrimSpace(opts.DatabaseType)) {
	case "", "sqlite":
		return buildSQLiteDSN(opts.DatabasePath), nil
	case "postgres":
		if strings.TrimSpace(opts.DatabaseHost) == "" || strings.TrimSpace(opts.DatabaseName) == "" {
			return "", fmt.Errorf("database host and name are required")
		}
		port := opts.DatabasePort
		if port <= 0 {
			port = 5432
		}
		sslMode := opts.DatabaseSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			opts.DatabaseUser,
			opts.DatabasePassword,
			opts.DatabaseHost,
			port,
			opts.DatabaseName,
			sslMode,
		), nil
	default:
		return "", fmt.Errorf("unsupported database type")
	}
}

// buildSQLiteDSN constructs a SQLite DSN with default parameters.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_foreign_keys=on",
		"_synchronous=NORMAL",
	}, "&")
}

// PingDatabase validates that the DSN can connect and ping.
func PingDatabase(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	defer func() {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	return sqlDB.Ping()
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Port        int         `yaml:"port"`
	DatabaseDSN string      `yaml:"database-dsn"`
	Ledger      ledgerCfg   `yaml:"ledger"`
	Security    securityCfg `yaml:"security"`
	Logging     loggingCfg  `yaml:"logging"`
}

type ledgerCfg struct {
	Backend string `yaml:"backend"`
}

type securityCfg struct {
	OwnKeySecret string `yaml:"own-key-secret"`
}

type loggingCfg struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// generateSecret creates a random hex secret for sealing own keys.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// WriteConfigFile writes an initial config file. Credentials for identity,
// Anthropic, Stripe and PostHog are expected from the environment.
func WriteConfigFile(configPath string, opts InitOptions) error {
	if ConfigExists(configPath) {
		return fmt.Errorf("config file already exists: %s", configPath)
	}
	dsn, err := BuildDSN(opts)
	if err != nil {
		return err
	}
	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generate own key secret: %w", err)
	}
	port := opts.Port
	if port <= 0 {
		port = 8318
	}
	backend := strings.TrimSpace(opts.LedgerBackend)
	if backend == "" {
		backend = config.LedgerBackendSQL
	}

	data, err := yaml.Marshal(configFile{
		Port:        port,
		DatabaseDSN: dsn,
		Ledger:      ledgerCfg{Backend: backend},
		Security:    securityCfg{OwnKeySecret: secret},
		Logging:     loggingCfg{Level: "info", Format: "text"},
	})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}
