package account

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/metrics"
	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

const (
	authorizedKeysBannerLine1 = "# This file was automatically generated by tmcagent\n"
	authorizedKeysBannerLine2 = "# Please add your keys using the testbed web interface.\n\n"
)

// Reconciler applies an Accounts record to the local system: groups
// first (concurrently), then users (concurrently); either batch aborts
// as a whole on its first failure.
type Reconciler struct {
	system *SystemConfiguration
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewReconciler builds a Reconciler bound to a loaded SystemConfiguration.
func NewReconciler(system *SystemConfiguration) *Reconciler {
	return &Reconciler{
		system: system,
		logger: log.WithComponent("account"),
	}
}

// Apply reconciles every group, then every user, in accounts. Any
// single group or user failure aborts its batch; the two batches never
// run concurrently with each other.
func (r *Reconciler) Apply(accounts *Accounts) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileAccountsDuration)

	if err := r.applyGroups(accounts); err != nil {
		return err
	}
	if err := r.applyUsers(accounts); err != nil {
		return err
	}

	metrics.ReconcileCyclesTotal.WithLabelValues("accounts").Inc()
	return nil
}

func (r *Reconciler) applyGroups(accounts *Accounts) error {
	groups := make([]*Group, 0, len(accounts.Groups))
	for _, g := range accounts.Groups {
		groups = append(groups, g)
	}
	return runConcurrently(len(groups), func(i int, errs chan<- error) {
		errs <- r.applyGroup(groups[i])
	})
}

func (r *Reconciler) applyUsers(accounts *Accounts) error {
	users := make([]*User, 0, len(accounts.Users))
	for _, u := range accounts.Users {
		users = append(users, u)
	}
	return runConcurrently(len(users), func(i int, errs chan<- error) {
		errs <- r.applyUser(users[i])
	})
}

// runConcurrently fans work(i) out over n goroutines and waits for all
// of them, returning the first error encountered (if any). It stands in
// for the source's join_all-and-collect pattern.
func runConcurrently(n int, work func(i int, errs chan<- error)) error {
	if n == 0 {
		return nil
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			work(i, errs)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyGroup(g *Group) error {
	name := strings.ToLower(g.Name)

	existing, err := user.LookupGroup(name)
	if err == nil {
		gid, convErr := strconv.ParseUint(existing.Gid, 10, 16)
		if convErr == nil && uint16(gid) != g.GID {
			return &tmcderr.GidChangeUnsupported{}
		}
		return nil
	}

	r.logger.Info().Str("group", name).Uint16("gid", g.GID).Msg("creating group")

	cmd := exec.Command("groupadd", "-g", strconv.FormatUint(uint64(g.GID), 10), name)
	if err := cmd.Run(); err != nil {
		return &tmcderr.GroupCreation{Name: name}
	}
	return nil
}

func (r *Reconciler) applyUser(u *User) error {
	shellPath, usedFallback := r.system.ResolveShell(u.Shell)
	if usedFallback {
		r.logger.Warn().
			Str("login", u.Login).
			Str("preferred_shell", u.Shell).
			Str("fallback_shell", shellPath).
			Msg("preferred login shell not installed, using fallback")
	}

	existing, err := user.Lookup(u.Login)
	if err == nil {
		uid, convErr := strconv.ParseUint(existing.Uid, 10, 16)
		if convErr == nil && uint16(uid) != u.UID {
			return &tmcderr.UidChangeUnsupported{}
		}

		groups, err := existing.GroupIds()
		if err != nil {
			return err
		}
		newGroups := filterAdminGroup(groups, u.Root, r.system.AdminGroup)

		r.logger.Info().Str("login", u.Login).Uint16("uid", u.UID).Msg("updating user")

		cmd := exec.Command("usermod", "-s", shellPath, "-G", strings.Join(newGroups, ","), u.Login)
		if err := cmd.Run(); err != nil {
			return &tmcderr.UserUpdate{Login: u.Login}
		}

		return r.applyAuthorizedKeys(u)
	}

	if existing, err := user.LookupId(strconv.FormatUint(uint64(u.UID), 10)); err == nil {
		return &tmcderr.DuplicateUid{Login: u.Login, UID: u.UID, ExistingLogin: existing.Username}
	}

	args := []string{
		"--badname",
		"-m", "-d", u.Home,
		"-u", strconv.FormatUint(uint64(u.UID), 10),
		"-g", strconv.FormatUint(uint64(u.GID), 10),
		"-s", shellPath,
		"-N",
	}
	if u.Root {
		args = append(args, "-G", r.system.AdminGroup)
	}
	args = append(args, u.Login)

	r.logger.Info().Str("login", u.Login).Uint16("uid", u.UID).Msg("creating user")

	cmd := exec.Command("useradd", args...)
	if err := cmd.Run(); err != nil {
		return &tmcderr.UserCreation{Login: u.Login}
	}

	return r.applyAuthorizedKeys(u)
}

// filterAdminGroup takes the user's current group IDs and drops the
// admin group's GID from the new membership set unless the account
// still wants root, mirroring the source's "keep every other
// membership, enforce only the admin toggle" rule.
func filterAdminGroup(gids []string, root bool, adminGroup string) []string {
	adminGrp, err := user.LookupGroup(adminGroup)
	var adminGid string
	if err == nil {
		adminGid = adminGrp.Gid
	}

	kept := make([]string, 0, len(gids))
	for _, gid := range gids {
		if !root && gid == adminGid {
			continue
		}
		kept = append(kept, gid)
	}
	return kept
}

// applyAuthorizedKeys truncates and rewrites <home>/.ssh/authorized_keys
// with the fixed banner and one key per line, then chowns both the
// directory and file to (uid, gid). No merging with prior content.
func (r *Reconciler) applyAuthorizedKeys(u *User) error {
	sshDir := filepath.Join(u.Home, ".ssh")
	authorizedKeys := filepath.Join(sshDir, "authorized_keys")

	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return err
	}

	r.logger.Info().Str("login", u.Login).Int("keys", len(u.SSHKeys)).Msg("updating SSH keys")

	f, err := os.OpenFile(authorizedKeys, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	var writeErr error
	write := func(s string) {
		if writeErr != nil {
			return
		}
		_, writeErr = f.WriteString(s)
	}

	write(authorizedKeysBannerLine1)
	write(authorizedKeysBannerLine2)
	for _, key := range u.SSHKeys {
		write(key)
		write("\n")
	}

	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return writeErr
	}

	uid := int(u.UID)
	gid := int(u.GID)
	if err := os.Chown(authorizedKeys, uid, gid); err != nil {
		return err
	}
	if err := os.Chown(sshDir, uid, gid); err != nil {
		return err
	}

	return nil
}

// CheckRequirements verifies the external account tools (useradd,
// groupadd, usermod and groupmod) are present on PATH.
func CheckRequirements() error {
	for _, bin := range []string{"useradd", "groupadd", "usermod", "groupmod"} {
		if _, err := exec.LookPath(bin); err != nil {
			return &tmcderr.UnmetSystemRequirements{Binary: bin}
		}
	}
	return nil
}
