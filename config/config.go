/*
Package config loads engine configuration from a TOML file.

PURPOSE:
  The source material deliberately leaves two policies injectable rather
  than hard-coded: the complimentary-SNC allowance window and the
  negative-balance grace threshold for overdraft lots. Both live here,
  together with server and overdraft settings.

FORMAT (TOML):

  [server]
  port = 8080
  db_path = "credit.db"

  [snc]
  window = "rolling"     # "rolling" or "lifetime"
  period_days = 30
  free_allowance = 1

  [overdraft]
  enabled = true
  hazard_grace_minutes = 120

  [locks]
  timeout_ms = 5000

Missing file or missing keys fall back to defaults.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// SNC allowance windows.
const (
	WindowRolling  = "rolling"
	WindowLifetime = "lifetime"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	SNC       SNCConfig       `toml:"snc"`
	Overdraft OverdraftConfig `toml:"overdraft"`
	Locks     LockConfig      `toml:"locks"`
}

type ServerConfig struct {
	Port   int    `toml:"port"`
	DBPath string `toml:"db_path"`
}

// SNCConfig is the complimentary short-notice-cancellation allowance: how
// many SNCs per window are free of charge.
type SNCConfig struct {
	Window        string `toml:"window"` // "rolling" or "lifetime"
	PeriodDays    int    `toml:"period_days"`
	FreeAllowance int    `toml:"free_allowance"`
}

type OverdraftConfig struct {
	// Enabled controls whether confirmation flows may create overdraft
	// lots. When false, a shortfall fails with AllocationInfeasible.
	Enabled bool `toml:"enabled"`

	// HazardGraceMinutes is the overdraft debt beyond which the hazard
	// detector reports a critical negative-balance hazard.
	HazardGraceMinutes int `toml:"hazard_grace_minutes"`
}

type LockConfig struct {
	TimeoutMS int `toml:"timeout_ms"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, DBPath: "credit.db"},
		SNC: SNCConfig{
			Window:        WindowRolling,
			PeriodDays:    30,
			FreeAllowance: 1,
		},
		Overdraft: OverdraftConfig{Enabled: true, HazardGraceMinutes: 120},
		Locks:     LockConfig{TimeoutMS: 5000},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SNC.Window != WindowRolling && c.SNC.Window != WindowLifetime {
		return fmt.Errorf("snc.window must be %q or %q, got %q", WindowRolling, WindowLifetime, c.SNC.Window)
	}
	if c.SNC.Window == WindowRolling && c.SNC.PeriodDays <= 0 {
		return fmt.Errorf("snc.period_days must be > 0 for a rolling window")
	}
	if c.SNC.FreeAllowance < 0 {
		return fmt.Errorf("snc.free_allowance must be >= 0")
	}
	if c.Overdraft.HazardGraceMinutes < 0 {
		return fmt.Errorf("overdraft.hazard_grace_minutes must be >= 0")
	}
	return nil
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Locks.TimeoutMS) * time.Millisecond
}
