package sqlite

import (
	"fmt"
)

type Config struct {
	DatabasePath string
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

func (c *Config) GetType() string {
	return "sqlite"
}

// GetConnectionString returns the DSN for go-sqlite3. File databases get a
// busy timeout so concurrent writers wait instead of failing.
func (c *Config) GetConnectionString() string {
	if c.DatabasePath == ":memory:" {
		return c.DatabasePath
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", c.DatabasePath)
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./rules.db",
	}
}
