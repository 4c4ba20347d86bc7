// Package config decodes tmcagent's TOML configuration file into a
// Config record. Every section is optional; Load always returns a
// complete, defaulted record even when no file is given.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full configuration record consumed by the daemon and
// its workers. It is built once at startup and never mutated afterward;
// workers receive it by value or by a shared read-only pointer.
type Config struct {
	Autouser  Autouser  `toml:"autouser"`
	Automount Automount `toml:"automount"`
	Autohost  Autohost  `toml:"autohost"`
	TMCC      TMCC      `toml:"tmcc"`
	Systemd   Systemd   `toml:"systemd"`
}

// Autouser configures the account reconciler.
type Autouser struct {
	Enable     bool   `toml:"enable"`
	AdminGroup string `toml:"admin-group"`
}

// MountBackend names the backend used to activate NFS mounts.
type MountBackend string

const (
	MountBackendSystemd MountBackend = "systemd"
)

// Automount configures the mount reconciler.
type Automount struct {
	Enable  bool         `toml:"enable"`
	Backend MountBackend `toml:"backend"`
}

// Autohost configures the canonical-hostname applier. Its shape is
// intentionally open: the source leaves `autohost.*` unspecified beyond
// "canonical hostname applier."
type Autohost struct {
	Enable bool `toml:"enable"`
}

// TMCC configures the controller protocol client.
type TMCC struct {
	Boss           string `toml:"boss"`
	Port           uint16 `toml:"port"`
	ReportShutdown bool   `toml:"report_shutdown"`
}

// Systemd configures systemd-unit-based mount activation.
type Systemd struct {
	UnitDir string `toml:"unit-dir"`
}

// Default returns the zero-config record: every applet enabled,
// discovery/ports automatic, units under the system's default directory.
func Default() *Config {
	return &Config{
		Autouser: Autouser{
			Enable:     true,
			AdminGroup: "",
		},
		Automount: Automount{
			Enable:  true,
			Backend: MountBackendSystemd,
		},
		Autohost: Autohost{
			Enable: true,
		},
		TMCC: TMCC{
			Boss:           "",
			Port:           7777,
			ReportShutdown: true,
		},
		Systemd: Systemd{
			UnitDir: "/etc/systemd/system",
		},
	}
}

// Load reads and decodes the configuration file at path, applying its
// values on top of Default() so unset sections keep their defaults. An
// empty path returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}
