package storage

import "time"

// Drivers supported by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects a storage backend and its connection pool settings.
type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	// ConnectAttempts is how many times the first ping is tried before Open fails.
	ConnectAttempts int
	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate     bool
}

// DefaultConfig returns an in-memory configuration with default pool settings.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverMemory,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 3,
	}
}
