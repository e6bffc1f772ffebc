package spawn

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/apppool/internal/pool"
)

const (
	connectTimeout = 5 * time.Second
	killGrace      = 5 * time.Second
)

// ProcessInstance is a worker process reachable over a per-instance unix
// socket. It satisfies pool.Instance.
type ProcessInstance struct {
	id       string
	appRoot  string
	sockPath string
	cmd      *exec.Cmd
	waited   chan error
}

// ID returns the instance identifier assigned at spawn time.
func (i *ProcessInstance) ID() string { return i.id }

// Connect dials the instance socket and yields a session. Every failure
// surface of a crashed or wedged worker shows up here.
func (i *ProcessInstance) Connect() (pool.Session, error) {
	conn, err := net.DialTimeout("unix", i.sockPath, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to instance %s: %w", i.id, err)
	}
	return conn.(*net.UnixConn), nil
}

// Dispose terminates the worker: SIGTERM, a grace period, then SIGKILL. The
// instance's socket file is removed afterwards.
func (i *ProcessInstance) Dispose() {
	if i.cmd.Process != nil {
		_ = i.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-i.waited:
		case <-time.After(killGrace):
			log.Warn().
				Str("event", "instance_kill").
				Str("instance", i.id).
				Msg("worker ignored SIGTERM, killing")
			_ = i.cmd.Process.Kill()
			<-i.waited
		}
	}

	if err := os.RemoveAll(i.sockPath); err != nil {
		log.Error().
			Str("event", "socket_cleanup_failed").
			Str("instance", i.id).
			Err(err).
			Msg("failed to remove instance socket")
	}

	log.Debug().
		Str("event", "instance_disposed").
		Str("instance", i.id).
		Str("app_root", i.appRoot).
		Msg("worker terminated")
}
