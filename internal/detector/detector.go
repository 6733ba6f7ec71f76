// Package detector tracks the kernel through a PID file so a kernel left
// behind by a previous daemon can be found again.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile stores a pid and the process start time. The start time guards
// against a recycled pid being mistaken for the recorded process.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write records pid. The file is replaced atomically.
func (f PIDFile) Write(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	meta, _ := json.Marshal(pidMeta{StartUnix: getProcStartUnix(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// Read returns the recorded pid and start time. A missing file yields pid 0.
func (f PIDFile) Read() (pid int, startUnix int64, err error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", f.Path, err)
	}
	if len(lines) >= 2 {
		var m pidMeta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			startUnix = m.StartUnix
		}
	}
	return pid, startUnix, nil
}

// ErrUnverified is returned by Alive when the recorded pid runs but the file
// holds no start time, so it may belong to an unrelated process.
var ErrUnverified = errors.New("pid file has no start time")

// Alive returns the recorded pid when that process still runs. It returns 0
// when the file is missing, the process is gone or the pid was reused.
func (f PIDFile) Alive() (int, error) {
	pid, start, err := f.Read()
	if err != nil || pid == 0 {
		return 0, err
	}
	if !pidAlive(pid) {
		return 0, nil
	}
	if start <= 0 {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrUnverified)
	}
	if cur := getProcStartUnix(pid); cur > 0 && cur != start {
		return 0, nil
	}
	return pid, nil
}

// Remove deletes the file; a missing file is not an error.
func (f PIDFile) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
