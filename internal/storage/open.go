package storage

import (
	"errors"
	"strings"

	"majordomo/pkg/logx"
)

// OpenDriver initializes the configured store.
//
// Driver values:
//   - "sqlite" (default): database file at cfg.Path
//   - "memory": volatile in-memory store (development)
func OpenDriver(driver string, cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return Open(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
