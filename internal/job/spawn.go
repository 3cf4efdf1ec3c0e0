package job

import (
	"fmt"
	"os"
	"os/exec"

	"mediadash/internal/job/rlimit"
)

// Spawner builds the worker process command for one run.
//
// The runner never executes job logic in-process: isolation (resource
// limits, forced kill) requires a separate OS process. Tests substitute a
// Spawner that shells out to short scripts instead of re-execing the binary.
type Spawner interface {
	Command(def Definition) (*exec.Cmd, error)
}

// SelfExec re-executes the current binary in worker mode
// ("mediadash worker --job NAME"). The resource policy travels to the
// worker via environment, where it applies its own rlimits before running
// job logic.
type SelfExec struct {
	// ConfigPath, when set, is forwarded so the worker can rebuild its
	// runnable registry from the same configuration.
	ConfigPath string
}

func (s SelfExec) Command(def Definition) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{"worker", "--job", def.Name}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), rlimit.Env(def.Policy.AddressSpaceMB, def.Policy.CPUSeconds)...)
	return cmd, nil
}
