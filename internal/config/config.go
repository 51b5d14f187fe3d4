// Package config loads telemetryd's daemon settings, following the
// teacher's own pattern (find-project-root .env lookup + environment
// override) but delegating the .env parse itself to godotenv, the way the
// pack's pipeline config loaders do.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DaemonConfig holds telemetryd's process-level settings.
type DaemonConfig struct {
	HTTPAddr         string
	Persist          bool
	LogLevel         string
	UdevRulesSource  string
	WatchdogDisabled bool

	// HRZoneBoundaries are the heart-rate zone upper bounds handed to the
	// session metrics collaborator, strictly ascending. Empty means the
	// collaborator's own defaults apply.
	HRZoneBoundaries []int
}

var (
	loaded *DaemonConfig
)

func defaults() *DaemonConfig {
	return &DaemonConfig{
		HTTPAddr:        ":8080",
		Persist:         false,
		LogLevel:        "info",
		UdevRulesSource: "/usr/share/telemetryd/99-ant-usb.rules",
	}
}

// Load reads .env (if present, found by walking up from the working
// directory) into the process environment via godotenv, then builds a
// DaemonConfig from environment variables, falling back to defaults. The
// result is cached; subsequent calls return the same value.
func Load() *DaemonConfig {
	if loaded != nil {
		return loaded
	}

	if envPath := findEnvFile(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	cfg := defaults()
	if v := os.Getenv("TELEMETRYD_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("TELEMETRYD_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Persist = b
		}
	}
	if v := os.Getenv("TELEMETRYD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELEMETRYD_UDEV_RULES_SOURCE"); v != "" {
		cfg.UdevRulesSource = v
	}
	if v := os.Getenv("TELEMETRYD_WATCHDOG_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WatchdogDisabled = b
		}
	}
	if v := os.Getenv("TELEMETRYD_HR_ZONES"); v != "" {
		zones, err := ParseZoneBoundaries(v)
		if err != nil {
			log.Printf("config: ignoring TELEMETRYD_HR_ZONES: %v", err)
		} else {
			cfg.HRZoneBoundaries = zones
		}
	}

	loaded = cfg
	return cfg
}

// ParseZoneBoundaries parses a comma-separated list of zone upper bounds.
// The sequence must be strictly ascending; an equal or descending boundary
// rejects the whole list.
func ParseZoneBoundaries(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	zones := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("zone boundary %q is not an integer", p)
		}
		if len(zones) > 0 && n <= zones[len(zones)-1] {
			return nil, fmt.Errorf("zone boundaries must be strictly ascending: %d after %d", n, zones[len(zones)-1])
		}
		zones = append(zones, n)
	}
	return zones, nil
}

// findEnvFile walks up from the working directory looking for a .env next
// to a go.mod, mirroring the teacher's project-root search.
func findEnvFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(cwd, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return ""
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
