package python

import (
	"context"
	"sync"

	"pybridge/internal/interp"
)

const alreadyRunningMessage = "Python server already running."

type serverState int

const (
	serverNotStarted serverState = iota
	serverStarting
	serverStarted
	serverFailed
)

func (s serverState) String() string {
	switch s {
	case serverNotStarted:
		return "not_started"
	case serverStarting:
		return "starting"
	case serverStarted:
		return "started"
	case serverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// serverStarter: NOT_STARTED -> STARTING -> STARTED | FAILED.
// FAILED разрешает повторный запуск; STARTED сбрасывается, если интерпретатор перезапущен.
type serverStarter struct {
	startMu sync.Mutex

	mu         sync.Mutex
	state      serverState
	port       int
	generation uint64
	lastErr    string
}

type serverSnapshot struct {
	State     string `json:"state"`
	Port      int    `json:"port,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (s *serverStarter) snapshot() serverSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return serverSnapshot{State: s.state.String(), Port: s.port, LastError: s.lastErr}
}

func (s *serverStarter) set(state serverState, port int, generation uint64, lastErr string) {
	s.mu.Lock()
	s.state = state
	s.port = port
	s.generation = generation
	s.lastErr = lastErr
	s.mu.Unlock()
}

func (m *Module) startServer(ctx context.Context, port int) (string, error) {
	s := &m.server
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	state, runningPort, generation := s.state, s.port, s.generation
	s.mu.Unlock()

	if state == serverStarted {
		if generation == m.interp.Generation() {
			m.logger.Debug("Python server already running", "port", runningPort, "requested", port)
			return alreadyRunningMessage, nil
		}
		m.logger.Warn("Interpreter was restarted, python server is gone", "port", runningPort)
	}

	s.set(serverStarting, 0, 0, "")
	reply, err := m.interp.Call(ctx, interp.Request{
		Op:       interp.OpStartServer,
		Module:   m.cfg.ServerModule,
		Port:     port,
		Grace:    m.cfg.StartGrace.Seconds(),
		Fallback: m.cfg.BuiltinServer,
	})
	if err != nil {
		s.set(serverFailed, 0, 0, err.Error())
		m.logger.Warn("Python server failed to start", "port", port, "err", err)
		return "", err
	}

	s.set(serverStarted, port, m.interp.Generation(), "")
	m.logger.Info("Python server started", "port", port, "module", m.cfg.ServerModule)
	return reply.Message, nil
}
