package kernel

import (
	"os"
	"path/filepath"
	"runtime"
)

// DirName is the sub-directory of the work dir holding the kernel binary and its working files.
const DirName = "sing-box"

// Name is the kernel's base name, used for logs, history records and metrics labels.
const Name = "sing-box"

// BinaryName returns the platform specific file name of the kernel executable.
func BinaryName() string {
	return binaryNameFor(runtime.GOOS)
}

func binaryNameFor(goos string) string {
	if goos == "windows" {
		return Name + ".exe"
	}
	return Name
}

// Layout resolves the well-known paths below a work directory.
type Layout struct {
	WorkDir string
}

// DefaultWorkDir returns <user config dir>/kernelkeeper, or the current directory
// when the user config dir cannot be determined.
func DefaultWorkDir() string {
	if d, err := os.UserConfigDir(); err == nil && d != "" {
		return filepath.Join(d, "kernelkeeper")
	}
	return "."
}

// Dir is <work_dir>/sing-box.
func (l Layout) Dir() string { return filepath.Join(l.WorkDir, DirName) }

// BinaryPath is the path the supervisor launches and acquisition installs to.
func (l Layout) BinaryPath() string { return filepath.Join(l.Dir(), BinaryName()) }

// ConfigPath resolves name relative to the kernel dir unless it is absolute.
func (l Layout) ConfigPath(name string) string {
	if name == "" {
		name = "config.json"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.Dir(), name)
}

// LogDir is where kernel stdout/stderr are written.
func (l Layout) LogDir() string { return filepath.Join(l.Dir(), "logs") }

// PIDPath records the running kernel so a later daemon can find it.
func (l Layout) PIDPath() string { return filepath.Join(l.Dir(), Name+".pid") }
