package portmgr

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/model"
)

type fakeStore struct {
	branches map[string]model.Branch
}

func newFakeStore() *fakeStore {
	return &fakeStore{branches: map[string]model.Branch{}}
}

func (f *fakeStore) GetState() model.AutopilotState {
	return model.AutopilotState{Branches: f.branches}
}

func (f *fakeStore) SetBranchPort(branch string, b model.Branch) error {
	f.branches[branch] = b
	return nil
}

func TestSanitizeBranchReplacesSlashes(t *testing.T) {
	assert.Equal(t, "feature--foo", SanitizeBranch("feature/foo"))
	assert.Equal(t, "a--b--c", SanitizeBranch("a/b/c"))
}

func TestBranchToPortIsDeterministic(t *testing.T) {
	p1 := branchToPort("main")
	p2 := branchToPort("main")
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, basePort)
	assert.Less(t, p1, basePort+portRange)
}

func TestBranchToPortVariesByBranch(t *testing.T) {
	seen := map[int]bool{}
	for _, name := range []string{"main", "feature/a", "feature/b", "release/1.0", "hotfix/urgent"} {
		seen[branchToPort(name)] = true
	}
	assert.Greater(t, len(seen), 1, "distinct branch names should usually hash to distinct ports")
}

func TestAssignPortPersistsChoice(t *testing.T) {
	store := newFakeStore()
	port, err := AssignPort(store, "feature/x")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, basePort)

	got, ok := store.branches["feature--x"]
	require.True(t, ok)
	assert.Equal(t, port, got.Port)
	assert.WithinDuration(t, time.Now().UTC(), got.AssignedAt, 2*time.Second)
}

func TestAssignPortReusesExistingIfStillAvailable(t *testing.T) {
	store := newFakeStore()
	first, err := AssignPort(store, "main")
	require.NoError(t, err)

	second, err := AssignPort(store, "main")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssignPortProbesPastCollision(t *testing.T) {
	store := newFakeStore()
	hashed := branchToPort("busy-branch")

	ln, err := net.Listen("tcp", portAddr(hashed))
	require.NoError(t, err)
	defer ln.Close()

	port, err := AssignPort(store, "busy-branch")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, port)
	assert.True(t, isPortAvailable(port) || port == hashed)
}

func TestAssignPortExhaustedWhenNothingFree(t *testing.T) {
	store := newFakeStore()
	var listeners []net.Listener
	for p := basePort; p < basePort+portRange; p++ {
		ln, err := net.Listen("tcp", portAddr(p))
		if err != nil {
			continue
		}
		listeners = append(listeners, ln)
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	_, err := AssignPort(store, "whatever")
	require.Error(t, err)
	var exhausted *PortsExhausted
	assert.ErrorAs(t, err, &exhausted)
}

func TestIsPortAvailableReflectsOSState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, IsPortAvailable(port))
}

func portAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
