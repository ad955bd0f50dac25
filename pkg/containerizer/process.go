// Package containerizer provides a minimal process-based
// implementation of agentcore.Containerizer and
// recovery.ContainerizerRecovery. Container isolation internals are
// declared out of scope; this exists only so cmd/agent has a real,
// runnable default rather than leaving the seam unfilled.
package containerizer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/cuemby/warren/pkg/agentcore"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/recovery"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

type tracked struct {
	cmd       *exec.Cmd
	info      *types.ExecutorInfo
	dir       string
	waitCh    chan agentcore.TerminationReason
	destroyed bool
}

// Process runs each executor as a plain OS process (CommandInfo only;
// ExecutorTypeCustom binaries are exec'd directly). It keeps no state
// across restarts, so Recover always reports nothing to reconnect and
// RecoveryEngine falls back to starting fresh.
type Process struct {
	logger zerolog.Logger

	mu         sync.Mutex
	containers map[string]*tracked
}

// New creates a process Containerizer.
func New() *Process {
	return &Process{
		logger:     log.WithComponent("containerizer"),
		containers: make(map[string]*tracked),
	}
}

var _ agentcore.Containerizer = (*Process)(nil)
var _ recovery.ContainerizerRecovery = (*Process)(nil)

// Launch starts info.Command in dir, tracked under containerID.
func (p *Process) Launch(ctx context.Context, containerID string, info *types.ExecutorInfo, dir string) error {
	if len(info.Command) == 0 {
		return fmt.Errorf("containerizer: executor %s has no command", info.ExecutorID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("containerizer: create sandbox dir: %w", err)
	}

	cmd := exec.Command(info.Command[0], info.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logWriter{logger: p.logger, containerID: containerID}
	cmd.Stderr = logWriter{logger: p.logger, containerID: containerID}
	if info.Secret != "" {
		cmd.Env = append(os.Environ(), "EXECUTOR_SECRET="+info.Secret)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("containerizer: start %s: %w", containerID, err)
	}

	t := &tracked{cmd: cmd, info: info, dir: dir, waitCh: make(chan agentcore.TerminationReason, 1)}
	p.mu.Lock()
	p.containers[containerID] = t
	p.mu.Unlock()

	go p.awaitExit(containerID, t)
	return nil
}

func (p *Process) awaitExit(containerID string, t *tracked) {
	err := t.cmd.Wait()
	p.mu.Lock()
	destroyed := t.destroyed
	p.mu.Unlock()

	reason := agentcore.TerminationExited
	if destroyed {
		reason = agentcore.TerminationDestroyed
	} else if err != nil {
		p.logger.Warn().Err(err).Str("container_id", containerID).Msg("executor process exited with error")
	}
	t.waitCh <- reason
}

// Update is a no-op: resource limits on a plain OS process are not
// enforced by this containerizer.
func (p *Process) Update(ctx context.Context, containerID string, resources types.Resources) error {
	return nil
}

// Destroy signals the tracked process to terminate.
func (p *Process) Destroy(ctx context.Context, containerID string) error {
	p.mu.Lock()
	t, ok := p.containers[containerID]
	if ok {
		t.destroyed = true
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

// Wait blocks until containerID exits or ctx is canceled.
func (p *Process) Wait(ctx context.Context, containerID string) (agentcore.TerminationReason, error) {
	p.mu.Lock()
	t, ok := p.containers[containerID]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("containerizer: unknown container %s", containerID)
	}

	select {
	case reason := <-t.waitCh:
		p.mu.Lock()
		delete(p.containers, containerID)
		p.mu.Unlock()
		return reason, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Recover reports no survivors: a bare OS-process containerizer has
// no durable handle to a process across agent restarts, so every
// previously running executor is treated as gone rather than adopted.
func (p *Process) Recover(ctx context.Context) ([]recovery.RecoveredExecutor, error) {
	return nil, nil
}

type logWriter struct {
	logger      zerolog.Logger
	containerID string
}

func (w logWriter) Write(b []byte) (int, error) {
	w.logger.Debug().Str("container_id", w.containerID).Msg(string(b))
	return len(b), nil
}
