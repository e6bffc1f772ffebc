package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/apppool/internal/errorcodes"
	"github.com/andrei-cloud/apppool/internal/message"
	"github.com/andrei-cloud/apppool/internal/pool"
)

// logAdapter implements anet.Logger using zerolog.
type logAdapter struct{}

// Server wraps the anet TCP server and routes requests through the pool.
type Server struct {
	address     string
	srv         *anetserver.Server
	pool        *pool.Pool
	defaults    pool.Options
	activeConns int32
}

func (l logAdapter) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (l logAdapter) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (l logAdapter) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

// NewServer configures and returns the pool front server. The defaults carry
// the per-acquisition options applied to every proxied request.
func NewServer(address string, pl *pool.Pool, defaults pool.Options) (*Server, error) {
	cfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0 * time.Second, // disable idle connection closure.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logAdapter{},
	}

	s := &Server{
		address:  address,
		pool:     pl,
		defaults: defaults,
	}
	handler := anetserver.HandlerFunc(s.handle)
	srv, err := anetserver.NewServer(address, handler, cfg)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("server started")
	return s.srv.Start()
}

// Stop gracefully shuts down the server and drains the pool.
func (s *Server) Stop() error {
	err := s.srv.Stop()
	s.pool.Shutdown()

	return err
}

// errorResponse constructs an error reply for the given command.
func (s *Server) errorResponse(cmd string, code errorcodes.PoolError) []byte {
	return message.Response(cmd, code.CodeOnly(), nil)
}

// handle decodes one frame and dispatches it.
func (s *Server) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	start := time.Now()

	req, err := message.Parse(data)
	if err != nil {
		log.Error().
			Str("event", "malformed_request").
			Str("client_ip", client).
			Err(err).
			Msg("malformed request")
		if len(data) >= 2 {
			return s.errorResponse(string(data[:2]), errorcodes.Err10), nil
		}

		return nil, errors.New("malformed request")
	}

	log.Debug().
		Str("event", "request_received").
		Str("client_ip", client).
		Str("command", req.CommandCode()).
		Int("active_connections", int(atomic.LoadInt32(&s.activeConns))).
		Msg("received command")

	var resp []byte
	switch req.CommandCode() {
	case message.CmdAcquire:
		resp = s.handleAcquire(req)
	case message.CmdStats:
		resp = s.handleStats(req)
	default:
		log.Warn().
			Str("event", "unknown_command").
			Str("client_ip", client).
			Str("command", req.CommandCode()).
			Msg("command not recognized, responding with error code")
		resp = s.errorResponse(req.CommandCode(), errorcodes.Err20)
	}

	log.Debug().
		Str("event", "response_sent").
		Str("client_ip", client).
		Str("command", req.CommandCode()).
		Str("duration", time.Since(start).String()).
		Msg("sent response")

	return resp, nil
}

// handleAcquire proxies one request through a pooled instance session.
func (s *Server) handleAcquire(req *message.Request) []byte {
	appRoot := string(req.Get(message.FieldAppRoot))
	payload := req.Get(message.FieldPayload)

	sess, c, err := s.pool.Get(appRoot, s.defaults)
	if err != nil {
		log.Error().
			Str("event", "acquire_failed").
			Str("app_root", appRoot).
			Err(err).
			Msg("failed to acquire session")

		return s.errorResponse(message.CmdAcquire, acquireCode(err))
	}

	reply, err := roundTrip(sess, payload)
	s.pool.Release(c)
	if err != nil {
		log.Error().
			Str("event", "session_io_failed").
			Str("app_root", appRoot).
			Err(err).
			Msg("session round trip failed")

		code := errorcodes.Err33
		if errors.Is(err, errWrite) {
			code = errorcodes.Err32
		}

		return s.errorResponse(message.CmdAcquire, code)
	}

	return message.Response(message.CmdAcquire, errorcodes.Err00.CodeOnly(), reply)
}

// handleStats returns a JSON snapshot of the pool.
func (s *Server) handleStats(_ *message.Request) []byte {
	body, err := json.Marshal(s.pool.Stats())
	if err != nil {
		return s.errorResponse(message.CmdStats, errorcodes.Err99)
	}

	return message.Response(message.CmdStats, errorcodes.Err00.CodeOnly(), body)
}

var errWrite = errors.New("session write")

// roundTrip writes the payload, half-closes when the session supports it, and
// reads the instance reply until EOF.
func roundTrip(sess pool.Session, payload []byte) ([]byte, error) {
	defer sess.Close()

	if _, err := sess.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", errWrite, err)
	}
	if cw, ok := sess.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	reply, err := io.ReadAll(sess)
	if err != nil {
		return nil, fmt.Errorf("session read: %w", err)
	}

	return reply, nil
}

// acquireCode maps pool errors onto wire status codes.
func acquireCode(err error) errorcodes.PoolError {
	switch {
	case errors.Is(err, pool.ErrSpawnFailed):
		return errorcodes.Err30
	case errors.Is(err, pool.ErrConnectFailed):
		return errorcodes.Err31
	case errors.Is(err, pool.ErrInvalidConfig):
		return errorcodes.Err40
	case errors.Is(err, pool.ErrPoolClosed):
		return errorcodes.Err50
	default:
		return errorcodes.Err99
	}
}
