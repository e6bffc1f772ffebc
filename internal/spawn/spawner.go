// Package spawn launches application worker processes and hands the pool live
// instance handles. Workers are started from their application root and serve
// sessions on a per-instance unix socket passed via APPPOOL_SOCKET.
package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/apppool/internal/pool"
)

const (
	// DefaultCommand is the worker entry point, relative to the app root.
	DefaultCommand = "bin/worker"

	socketWait = 10 * time.Second
	socketPoll = 20 * time.Millisecond
)

// ProcessSpawner starts one worker process per Spawn call. It satisfies
// pool.Spawner and is safe for concurrent use (no shared mutable state).
type ProcessSpawner struct {
	command string
	sockDir string
}

// NewProcessSpawner builds a spawner running the given command (relative
// commands resolve against the app root). Sockets live under sockDir; an
// empty sockDir falls back to the system temp directory.
func NewProcessSpawner(command, sockDir string) *ProcessSpawner {
	if command == "" {
		command = DefaultCommand
	}
	if sockDir == "" {
		sockDir = os.TempDir()
	}
	return &ProcessSpawner{command: command, sockDir: sockDir}
}

// Spawn launches a worker for the application root and waits for its socket
// to appear before returning the handle.
func (s *ProcessSpawner) Spawn(appRoot string) (pool.Instance, error) {
	id := uuid.New().String()[:8]
	sockPath := filepath.Join(s.sockDir, fmt.Sprintf("apppool-%s.sock", id))

	command := s.command
	if !filepath.IsAbs(command) {
		command = filepath.Join(appRoot, command)
	}

	cmd := exec.Command(command)
	cmd.Dir = appRoot
	cmd.Env = append(os.Environ(),
		"APPPOOL_SOCKET="+sockPath,
		"APPPOOL_INSTANCE="+id,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker for %s: %w", appRoot, err)
	}

	waited := make(chan error, 1)
	go func() {
		waited <- cmd.Wait()
		close(waited)
	}()

	if err := awaitSocket(sockPath, waited); err != nil {
		_ = cmd.Process.Kill()
		<-waited
		_ = os.RemoveAll(sockPath)

		return nil, fmt.Errorf("worker for %s never became ready: %w", appRoot, err)
	}

	log.Info().
		Str("event", "worker_spawned").
		Str("app_root", appRoot).
		Str("instance", id).
		Int("pid", cmd.Process.Pid).
		Str("startup", time.Since(start).String()).
		Msg("worker ready")

	return &ProcessInstance{
		id:       id,
		appRoot:  appRoot,
		sockPath: sockPath,
		cmd:      cmd,
		waited:   waited,
	}, nil
}

// Reload is invoked after a restart purge. Process workers carry no shared
// caches, so there is nothing to flush; the event is logged for operators.
func (s *ProcessSpawner) Reload(appRoot string) {
	log.Info().
		Str("event", "app_reloaded").
		Str("app_root", appRoot).
		Msg("restart trigger observed, next spawn picks up new code")
}

// awaitSocket polls for the worker socket, failing fast if the process exits.
func awaitSocket(sockPath string, waited <-chan error) error {
	deadline := time.Now().Add(socketWait)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			return nil
		}

		select {
		case err := <-waited:
			return fmt.Errorf("worker exited during startup: %v", err)
		case <-time.After(socketPoll):
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("socket %s not created within %s", sockPath, socketWait)
		}
	}
}
