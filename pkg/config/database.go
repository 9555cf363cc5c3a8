package config

import "time"

// DatabaseDriver selects the relational store profile.
type DatabaseDriver string

// Supported drivers.
const (
	DriverSQLite   DatabaseDriver = "sqlite"
	DriverPostgres DatabaseDriver = "postgres"
)

// DatabaseConfig holds relational store settings for both driver profiles.
type DatabaseConfig struct {
	Driver DatabaseDriver `yaml:"driver"`

	// SQLite profile.
	Path string `yaml:"path"`

	// Postgres profile.
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"ssl_mode"`

	// Connection pool settings (Postgres).
	PoolSize        int           `yaml:"pool_size"`
	PoolOverflow    int           `yaml:"pool_overflow"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultDatabaseConfig returns the built-in database defaults
// (SQLite profile, file next to the KB tree).
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Driver:          DriverSQLite,
		Path:            "kbforge.db",
		Port:            5432,
		SSLMode:         "disable",
		PasswordEnv:     "KBFORGE_DB_PASSWORD",
		PoolSize:        10,
		PoolOverflow:    20,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}
