// Package portmgr assigns each branch a stable, collision-free loopback
// port, deriving the starting guess deterministically from the branch
// name so repeated launches of the same branch tend to land on the same
// port without needing a lookup, and persisting the final choice for
// when the hash alone isn't enough. The "hash something, derive a small
// deterministic number, probe on collision" shape mirrors the teacher's
// pkg/config/loader.go file-change-detection hash, swapped from md5 to
// sha256 and from "detect change" to "pick a slot".
package portmgr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"autopilot/internal/model"
)

const (
	basePort  = 3847
	portRange = 1000
)

// PortsExhausted is returned when every port in [basePort, basePort+portRange)
// is taken and the linear probe has wrapped back to its starting point.
type PortsExhausted struct {
	Branch string
}

func (e *PortsExhausted) Error() string {
	return fmt.Sprintf("no available port for branch %q in range [%d, %d)", e.Branch, basePort, basePort+portRange)
}

// Persister is the narrow state-store contract the manager depends on,
// expressed without importing statestore.Patch directly so portmgr
// stays decoupled from the store's patch shape.
type Persister interface {
	GetState() model.AutopilotState
	SetBranchPort(branch string, b model.Branch) error
}

// SanitizeBranch replaces path separators with a filesystem-safe token,
// since branch names flow into port-assignment bookkeeping keyed by
// name.
func SanitizeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "--")
}

// branchToPort hashes branch with SHA-256 and folds the first 8 bytes of
// the digest into [0, portRange), per the fixed formula
// base + (SHA256(branch)[0..8] mod range).
func branchToPort(branch string) int {
	sum := sha256.Sum256([]byte(branch))
	n := binary.BigEndian.Uint64(sum[:8])
	return basePort + int(n%uint64(portRange))
}

// isPortAvailable reports whether a loopback TCP listener can bind port.
func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// AssignPort returns the port dashboard/process traffic for branch
// should use: the previously-persisted port if it is still free, else
// the hashed slot, else the next free slot found by linear probing the
// range. The final choice is always persisted before returning.
func AssignPort(store Persister, branch string) (int, error) {
	branch = SanitizeBranch(branch)
	state := store.GetState()

	if existing, ok := state.Branches[branch]; ok && isPortAvailable(existing.Port) {
		return existing.Port, nil
	}

	start := branchToPort(branch)
	port := start
	for i := 0; i < portRange; i++ {
		if isPortAvailable(port) {
			if err := store.SetBranchPort(branch, model.Branch{Port: port, AssignedAt: time.Now().UTC()}); err != nil {
				return 0, err
			}
			return port, nil
		}
		port++
		if port >= basePort+portRange {
			port = basePort
		}
	}

	return 0, &PortsExhausted{Branch: branch}
}

// IsPortAvailable exposes the availability probe for callers (health
// checks, diagnostics) that need it outside of assignment.
func IsPortAvailable(port int) bool {
	return isPortAvailable(port)
}
