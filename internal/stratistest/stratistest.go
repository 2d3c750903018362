// Package stratistest holds small test helpers shared across the engine's
// subpackages, mirroring the pack's own pattern of skipping
// kernel/root-dependent integration tests while always running the
// in-process sim-backend suite.
package stratistest

import (
	"os"
	"testing"
)

// RequireRoot skips t unless running as root (uid 0) or
// STRATISD_GO_TEST_ROOT=1 is set, for tests that exercise the real
// devicemapper/cryptsetup backends instead of the sim ones (no test in
// the repository calls it).
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() == 0 {
		return
	}
	if os.Getenv("STRATISD_GO_TEST_ROOT") == "1" {
		return
	}
	t.Skip("skipping: requires root and a real kernel DM stack (set STRATISD_GO_TEST_ROOT=1 to force)")
}
