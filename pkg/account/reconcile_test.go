package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAdminGroupDropsAdminGidWhenNotRoot(t *testing.T) {
	// "0" is root's GID on every UNIX system, which LookupGroup("root")
	// resolves without touching any test fixture.
	gids := []string{"0", "100", "1000"}

	kept := filterAdminGroup(gids, false, "root")

	assert.ElementsMatch(t, []string{"100", "1000"}, kept)
}

func TestFilterAdminGroupKeepsAdminGidWhenRoot(t *testing.T) {
	gids := []string{"0", "100"}

	kept := filterAdminGroup(gids, true, "root")

	assert.ElementsMatch(t, gids, kept)
}

func TestFilterAdminGroupUnknownAdminGroupKeepsEverything(t *testing.T) {
	gids := []string{"100", "200"}

	kept := filterAdminGroup(gids, false, "no-such-admin-group-xyz")

	assert.ElementsMatch(t, gids, kept)
}

func TestRunConcurrentlyEmptyIsNoop(t *testing.T) {
	err := runConcurrently(0, func(i int, errs chan<- error) { errs <- nil })
	require.NoError(t, err)
}

func TestRunConcurrentlyReturnsFirstError(t *testing.T) {
	wantErr := &GroupCreationStub{}
	err := runConcurrently(5, func(i int, errs chan<- error) {
		if i == 2 {
			errs <- wantErr
			return
		}
		errs <- nil
	})
	require.Equal(t, wantErr, err)
}

// GroupCreationStub is a distinguishable sentinel error for equality checks.
type GroupCreationStub struct{}

func (e *GroupCreationStub) Error() string { return "stub" }
