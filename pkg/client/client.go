// Package client implements a minimal client for the pool protocol, used by
// the status command and by integration tests.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/andrei-cloud/anet"

	"github.com/andrei-cloud/apppool/internal/errorcodes"
	"github.com/andrei-cloud/apppool/internal/message"
	"github.com/andrei-cloud/apppool/internal/pool"
)

const dialTimeout = 500 * time.Millisecond

// Do sends a single frame to the daemon and returns the status code and body
// of the reply.
func Do(addr, cmd string, body []byte, timeout time.Duration) (string, []byte, error) {
	factory := func(addr string) (anet.PoolItem, error) {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, err
		}

		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()

			return nil, err
		}

		return conn, nil
	}

	connPool := anet.NewPool(1, factory, addr, nil)
	defer connPool.Close()

	broker := anet.NewBroker([]anet.Pool{connPool}, 1, nil, nil)
	go broker.Start()
	defer broker.Close()

	req := make([]byte, 0, 2+len(body))
	req = append(req, cmd...)
	req = append(req, body...)

	resp, err := broker.Send(&req)
	if err != nil {
		return "", nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	if len(resp) < 4 {
		return "", nil, fmt.Errorf("short reply to %s: %d bytes", cmd, len(resp))
	}
	if got, want := string(resp[:2]), message.ResponseCode(cmd); got != want {
		return "", nil, fmt.Errorf("unexpected reply code %s to %s", got, cmd)
	}

	return string(resp[2:4]), resp[4:], nil
}

// Acquire proxies one payload through an instance of the given application root.
func Acquire(addr, appRoot string, payload []byte, timeout time.Duration) ([]byte, error) {
	body := make([]byte, 0, len(appRoot)+1+len(payload))
	body = append(body, appRoot...)
	body = append(body, 0)
	body = append(body, payload...)

	status, reply, err := Do(addr, message.CmdAcquire, body, timeout)
	if err != nil {
		return nil, err
	}
	if status != errorcodes.Err00.CodeOnly() {
		return nil, fmt.Errorf("daemon refused request: status %s", status)
	}

	return reply, nil
}

// Stats fetches a pool statistics snapshot from the daemon.
func Stats(addr string, timeout time.Duration) (pool.Stats, error) {
	var stats pool.Stats

	status, body, err := Do(addr, message.CmdStats, nil, timeout)
	if err != nil {
		return stats, err
	}
	if status != errorcodes.Err00.CodeOnly() {
		return stats, fmt.Errorf("daemon refused stats request: status %s", status)
	}

	if err := json.Unmarshal(body, &stats); err != nil {
		return stats, fmt.Errorf("decode stats: %w", err)
	}

	return stats, nil
}
