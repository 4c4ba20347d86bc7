package account

import (
	"bufio"
	"os"
	"os/user"
	"path/filepath"

	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// fallbackShell is used when a user's preferred shell isn't registered
// in the shells file. /bin/sh is the only shell that's reliably present
// across UNIX-like systems.
const fallbackShell = "/bin/sh"

const shellsFile = "/etc/shells"

// adminGroupCandidates are probed in order; later entries win if they
// also exist, matching the source's unconditional overwrite loop (a
// system with both "wheel" and "sudo" ends up using "sudo").
var adminGroupCandidates = []string{"wheel", "sudo"}

// SystemConfiguration caches node-local facts the reconciler needs:
// the allowed-shells registry and the resolved admin group name.
type SystemConfiguration struct {
	// Shells maps a shell's basename (e.g. "bash") to its absolute path.
	Shells map[string]string

	// AdminGroup is the group granting elevated privileges, e.g. "wheel".
	AdminGroup string
}

// LoadSystemConfiguration reads /etc/shells and resolves the admin
// group. adminGroupOverride, if non-empty, skips discovery entirely.
func LoadSystemConfiguration(adminGroupOverride string) (*SystemConfiguration, error) {
	shells, err := loadShells()
	if err != nil {
		return nil, err
	}

	adminGroup := adminGroupOverride
	if adminGroup == "" {
		adminGroup = discoverAdminGroup()
	}

	return &SystemConfiguration{Shells: shells, AdminGroup: adminGroup}, nil
}

func loadShells() (map[string]string, error) {
	f, err := os.Open(shellsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	shells := make(map[string]string)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		name := filepath.Base(line)
		if name == "" || name == "." || name == string(filepath.Separator) {
			return nil, &tmcderr.InvalidShellsFile{}
		}

		if _, exists := shells[name]; !exists {
			shells[name] = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return shells, nil
}

// discoverAdminGroup probes wheel then sudo, letting a later match win,
// and falls back to root if neither exists.
func discoverAdminGroup() string {
	adminGroup := "root"

	for _, candidate := range adminGroupCandidates {
		if _, err := user.LookupGroup(candidate); err == nil {
			adminGroup = candidate
		}
	}

	return adminGroup
}

// ResolveShell returns the absolute path for a shell basename, falling
// back to /bin/sh (and reporting the fallback) when the shell isn't
// registered.
func (s *SystemConfiguration) ResolveShell(name string) (path string, usedFallback bool) {
	if p, ok := s.Shells[name]; ok {
		return p, false
	}
	return fallbackShell, true
}
