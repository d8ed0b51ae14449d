// Package config holds the settings of the rtdispatch commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRateHz is the tick rate used when neither the flag nor the scenario
// sets one.
const DefaultRateHz = 1000

// RunConfig holds configuration for executing a scenario.
type RunConfig struct {
	LogLevel    string // Log level: debug, info, warn, error
	LogFormat   string // Log format: text, json
	DBPath      string // SQLite database path (default ~/.rtdispatch/rtdispatch.db, ":memory:" for testing)
	RateHz      uint32 // Tick rate override; 0 keeps the scenario's rate
	MaxPriority uint8  // Priority levels override; 0 keeps the scenario's value
	Capacity    int    // Default queue capacity for software tasks without one
	PanicPolicy string // halt or propagate
	Record      bool   // Persist the run and its trace
	Realtime    bool   // Drive the dispatcher from a wall-clock ticker instead of the simulated clock
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		LogLevel:    "info",
		LogFormat:   "text",
		Capacity:    1,
		PanicPolicy: "halt",
		Record:      true,
	}
}

// ServerConfig holds configuration for the trace API server.
type ServerConfig struct {
	Addr      string // Listen address (default ":8090")
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json
	DBPath    string // SQLite database path (default ~/.rtdispatch/rtdispatch.db)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8090",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// ResolveDBPath returns path, or the default database location under the
// user's home directory when path is empty. ":memory:" is returned as is.
func ResolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".rtdispatch", "rtdispatch.db"), nil
}
