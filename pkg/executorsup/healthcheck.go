package executorsup

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/types"
)

// checkerForTask builds the health.Checker a task's declared
// HealthCheck describes. HTTP/TCP checks target the agent's own
// loopback interface since tasks here run as local processes rather
// than containers with their own routable address.
func checkerForTask(hc *types.HealthCheck, dir string) (health.Checker, error) {
	switch hc.Type {
	case types.HealthCheckCommand:
		return health.NewExecChecker(hc.Command).WithDir(dir), nil
	case types.HealthCheckHTTP:
		return health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d%s", hc.Port, hc.HTTPPath)), nil
	case types.HealthCheckTCP:
		return health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", hc.Port)), nil
	default:
		return nil, fmt.Errorf("executorsup: unsupported health check type %q", hc.Type)
	}
}

// monitorTaskHealth polls a task's declared health check on the
// Supervisor's health-check interval (health.DefaultConfig unless
// SetHealthCheckConfig replaced it) until the task reaches a terminal
// state, killing it once consecutive failures past the start period
// reach the configured retry count.
func (s *Supervisor) monitorTaskHealth(frameworkID, executorID, dir string, task *types.Task) {
	checker, err := checkerForTask(task.HealthCheck, dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("not monitoring task health")
		return
	}

	s.mu.Lock()
	cfg := s.healthCheckConfig
	s.mu.Unlock()
	status := health.NewStatus()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		terminal := task.State.IsTerminal()
		s.mu.Unlock()
		if terminal {
			return
		}

		checkCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		result := checker.Check(checkCtx)
		cancel()

		status.Update(result, cfg)
		if status.InStartPeriod(cfg) {
			continue
		}
		if status.ConsecutiveFailures >= cfg.Retries {
			s.logger.Warn().Str("task_id", task.ID).Str("message", result.Message).
				Msg("task failed its health check, killing")
			_ = s.Kill(context.Background(), frameworkID, executorID, task.ID, nil)
			return
		}
	}
}
