package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/config"
)

// ExecStrategy drives a real quoting engine: it runs the configured command
// once per iteration and collects the EDGE_REPORT the engine writes. The
// engine reads the persisted runtime overrides itself; the resolved config
// is only exported through the environment for engines that want it.
type ExecStrategy struct {
	Command    []string // argv, e.g. ["./mm-engine", "--once"]
	ReportPath string   // where the engine writes EDGE_REPORT.json
}

// RunOnce executes the engine and returns the report bytes it produced.
func (e *ExecStrategy) RunOnce(ctx context.Context, resolved config.Resolved) ([]byte, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("exec strategy: no command configured")
	}
	// Stale reports must not be mistaken for this iteration's output.
	if err := os.Remove(e.ReportPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("exec strategy: clear stale report: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if doc, err := resolved.MarshalCanonical(); err == nil {
		cmd.Env = append(os.Environ(), "SOAK_RESOLVED_CONFIG="+string(doc))
	}

	log.Debug().Strs("argv", e.Command).Msg("invoking strategy")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("exec strategy: %w", err)
	}

	data, err := os.ReadFile(e.ReportPath)
	if err != nil {
		return nil, fmt.Errorf("exec strategy: report not produced: %w", err)
	}
	return data, nil
}
