package lifecycle

import (
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// openLogFile opens (creating/truncating) the per-start vmm.log under
// an instance's runtime directory; Launch writes the VMM's own
// stdout/stderr there (not the FIFO logger path, which Firecracker
// itself writes via /logger).
func openLogFile(runtimeDir string) (*os.File, error) {
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "creating runtime dir "+runtimeDir, err)
	}
	f, err := os.OpenFile(filepath.Join(runtimeDir, "vmm.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "opening vmm.log", err)
	}
	return f, nil
}
