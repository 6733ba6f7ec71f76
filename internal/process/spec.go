package process

import (
	"context"
	"os/exec"

	"github.com/loykin/kernelkeeper/internal/logger"
)

// Spec describes how to launch a supervised executable.
type Spec struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`     // absolute path of the executable
	Args    []string          `json:"args"`     // arguments, without argv[0]
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // optional extra env appended to the parent's
	Log     logger.FileConfig `json:"-"`
}

// BuildCommand constructs an *exec.Cmd for the spec. The executable is started
// directly, never through a shell.
func (s *Spec) BuildCommand(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		// #nosec G204
		cmd = exec.CommandContext(ctx, s.Path, s.Args...)
	} else {
		// #nosec G204
		cmd = exec.Command(s.Path, s.Args...)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}
