package guest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read, write and create operations.
	MountReadWrite
)

func (m MountMode) String() string {
	switch m {
	case MountReadOnly:
		return "ro"
	case MountReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("MountMode(%d)", int(m))
	}
}

// Mount represents a virtual path mapped to a host directory.
type Mount struct {
	VirtualPath string    // Path as seen by the guest (e.g., "/data")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

// fsConfig turns mounts into WASI preopens. Host paths must be existing
// directories.
func fsConfig(mounts []Mount) (wazero.FSConfig, error) {
	cfg := wazero.NewFSConfig()
	for _, m := range mounts {
		if m.VirtualPath == "" || m.VirtualPath[0] != '/' {
			return nil, fmt.Errorf("mount %q: virtual path must be absolute", m.VirtualPath)
		}

		hostPath, err := filepath.Abs(m.HostPath)
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", m.VirtualPath, err)
		}
		info, err := os.Stat(hostPath)
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", m.VirtualPath, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("mount %q: %s is not a directory", m.VirtualPath, hostPath)
		}

		switch m.Mode {
		case MountReadOnly:
			cfg = cfg.WithReadOnlyDirMount(hostPath, m.VirtualPath)
		case MountReadWrite:
			cfg = cfg.WithDirMount(hostPath, m.VirtualPath)
		default:
			return nil, fmt.Errorf("mount %q: unknown mode %v", m.VirtualPath, m.Mode)
		}
	}
	return cfg, nil
}
