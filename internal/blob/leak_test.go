package blob

import (
	"os"
	"testing"

	"go.uber.org/goleak"
)

// TestMain skips fsync for the throwaway temp dirs and verifies no goroutine
// leaks occur during testing.
func TestMain(m *testing.M) {
	_ = os.Setenv("BLOBMESH_TEST", "1")
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
