package mount

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/unit"
	"github.com/rs/zerolog"

	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/metrics"
	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// Reconciler renders and activates systemd .mount units for a set of
// NFS mounts the controller wants present on this node.
type Reconciler struct {
	unitDir string
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewReconciler builds a Reconciler that writes units under unitDir.
func NewReconciler(unitDir string) *Reconciler {
	return &Reconciler{
		unitDir: unitDir,
		logger:  log.WithComponent("mount"),
	}
}

// CheckRequirements verifies systemctl is present on PATH.
func CheckRequirements() error {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return &tmcderr.UnmetSystemRequirements{Binary: "systemctl"}
	}
	return nil
}

// Apply reconciles every mount: render its unit, write it, then activate
// it with systemctl. Any single failure aborts the batch.
func (r *Reconciler) Apply(mounts []NfsMount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileMountsDuration)

	for _, m := range mounts {
		if err := r.applyOne(m); err != nil {
			metrics.ReconcileFailuresTotal.WithLabelValues("mounts").Inc()
			return &tmcderr.Mount{Local: m.Local, Err: err}
		}
	}

	metrics.ReconcileCyclesTotal.WithLabelValues("mounts").Inc()
	return nil
}

func (r *Reconciler) applyOne(m NfsMount) error {
	unitName := unitFileName(m.Local)
	unitPath := filepath.Join(r.unitDir, unitName)

	r.logger.Info().Str("remote", m.Remote).Str("local", m.Local).Str("unit", unitName).Msg("applying mount")

	if err := os.WriteFile(unitPath, renderUnit(m), 0o644); err != nil {
		return err
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return err
	}
	if err := exec.Command("systemctl", "enable", "--now", unitName).Run(); err != nil {
		return err
	}

	return nil
}

// unitFileName derives a systemd mount unit name from a local path, the
// same escaping systemd itself uses for generated mount units: leading
// and trailing slashes are dropped, remaining slashes become dashes, and
// any other byte outside [A-Za-z0-9:_.] (or a leading '.') becomes a
// "\xNN" escape, so "-" is written as "\x2d".
func unitFileName(local string) string {
	trimmed := strings.Trim(local, "/")
	var b strings.Builder
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case c == '/':
			b.WriteByte('-')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == ':', c == '_', c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	return b.String() + ".mount"
}

func renderUnit(m NfsMount) []byte {
	opts := []*unit.UnitOption{
		{Section: "Unit", Name: "Description", Value: "NFS mount for " + m.Local},
		{Section: "Mount", Name: "What", Value: m.Remote},
		{Section: "Mount", Name: "Where", Value: m.Local},
		{Section: "Mount", Name: "Type", Value: "nfs"},
		{Section: "Install", Name: "WantedBy", Value: "multi-user.target"},
	}

	r := unit.Serialize(opts)
	out, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return out
}
