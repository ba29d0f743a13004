package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// reapGrace is how long a stale process gets to exit before it is killed.
const reapGrace = 2 * time.Second

// isStale reports whether a process with the given name and arguments is a
// tunnel for the same local target, left behind by an earlier run.
func isStale(name string, args []string, binary, target string) bool {
	base := strings.TrimSuffix(filepath.Base(binary), ".exe")
	if strings.TrimSuffix(name, ".exe") != base {
		return false
	}
	for _, a := range args {
		if a == target || strings.HasSuffix(a, "="+target) {
			return true
		}
	}
	return false
}

// reapStale terminates processes of binary that tunnel target. It returns
// the number of processes stopped.
func reapStale(ctx context.Context, logger *slog.Logger, binary, target string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid()) //nolint:gosec // pids fit in int32

	reaped := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !isStale(name, args, binary, target) {
			continue
		}
		logger.Warn("terminating stale tunnel process", "pid", p.Pid, "cmdline", strings.Join(args, " "))
		if err := stopProcess(ctx, p); err != nil {
			logger.Warn("failed to stop stale tunnel process", "pid", p.Pid, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// stopProcess sends a termination signal, then kills p if it is still
// running after the grace period.
func stopProcess(ctx context.Context, p *process.Process) error {
	if err := p.TerminateWithContext(ctx); err != nil {
		return p.KillWithContext(ctx)
	}
	deadline := time.Now().Add(reapGrace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return p.KillWithContext(ctx)
}
