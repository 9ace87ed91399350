package interp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

const (
	socketNameTemplate    = "pybridge-%s.sock"
	defaultConnectTimeout = 10 * time.Second
)

// ErrInterpreterExited is returned when the wrapper goes away mid-call.
var ErrInterpreterExited = errors.New("interpreter exited")

// Launcher starts the wrapper process. The wrapper must connect to socketPath.
// A nil process is allowed (the session then has nothing to kill).
type Launcher func(ctx context.Context, socketPath string) (*os.Process, error)

// Config controls how the wrapper is found and started.
type Config struct {
	Exe            string
	Path           []string
	WrapperPath    string
	SocketDir      string
	ConnectTimeout time.Duration
}

// Option customises a Session.
type Option func(*Session)

// WithLauncher replaces the default python launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Session) { s.launch = l }
}

// Session is the process-wide interpreter. It is started on first use and
// serialises every call.
type Session struct {
	logger *slog.Logger
	cfg    Config
	launch Launcher

	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	replies chan Reply
	done    chan struct{}
	exited  chan struct{}
	proc    *os.Process
	nextID  uint64

	generation atomic.Uint64
	pid        atomic.Int64

	wrapperOnce sync.Once
	wrapperPath string
	wrapperDir  string
	wrapperErr  error
}

// NewSession returns an idle session; nothing is started until the first Call.
func NewSession(logger *slog.Logger, cfg Config, opts ...Option) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	s := &Session{
		logger: logger.With("component", "interp"),
		cfg:    cfg,
	}
	s.launch = s.launchPython
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call sends req to the wrapper and waits for its reply. An exception raised
// by the interpreter is returned as *ScriptError.
func (s *Session) Call(ctx context.Context, req Request) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(ctx); err != nil {
		return Reply{}, fmt.Errorf("start interpreter: %w", err)
	}

	s.nextID++
	req.ID = s.nextID
	s.logger.Debug("Sending request to wrapper", "op", req.Op, "id", req.ID)

	if err := s.enc.Encode(req); err != nil {
		// The wrapper died between calls and never saw req; restart it once.
		s.logger.Warn("Wrapper connection lost, restarting", "op", req.Op, "err", err)
		s.resetLocked()
		if err := s.ensureStarted(ctx); err != nil {
			return Reply{}, fmt.Errorf("start interpreter: %w", err)
		}
		if err := s.enc.Encode(req); err != nil {
			s.resetLocked()
			return Reply{}, fmt.Errorf("send %s request: %w", req.Op, err)
		}
	}

	for {
		select {
		case reply, ok := <-s.replies:
			if !ok {
				s.logger.Warn("Wrapper disconnected", "op", req.Op)
				s.resetLocked()
				return Reply{}, fmt.Errorf("%s: %w", req.Op, ErrInterpreterExited)
			}
			if reply.ID != req.ID {
				s.logger.Debug("Dropping stale reply", "id", reply.ID, "want", req.ID)
				continue
			}
			if reply.Failed {
				return reply, &ScriptError{Op: req.Op, Message: reply.Error}
			}
			return reply, nil
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
}

// Generation counts wrapper starts; it changes whenever the interpreter is replaced.
func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

// PID returns the wrapper process id, or 0 when not running.
func (s *Session) PID() int {
	return int(s.pid.Load())
}

// Running reports whether a wrapper is connected.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.exitedLocked()
}

// Close kills the wrapper and removes the extracted wrapper script.
func (s *Session) Close() error {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	if s.wrapperDir != "" {
		return os.RemoveAll(s.wrapperDir)
	}
	return nil
}

func (s *Session) exitedLocked() bool {
	if s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

func (s *Session) ensureStarted(ctx context.Context) error {
	if s.conn != nil {
		if !s.exitedLocked() {
			return nil
		}
		s.logger.Warn("Wrapper exited while idle", "generation", s.generation.Load())
		s.resetLocked()
	}

	listener, socketPath, err := s.createUnixListener()
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	proc, err := s.launch(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("run wrapper: %w", err)
	}

	conn, reader, err := s.handshake(listener)
	if err != nil {
		if proc != nil {
			_ = proc.Kill()
		}
		return err
	}

	s.conn = conn
	s.enc = json.NewEncoder(conn)
	s.replies = make(chan Reply, 1)
	s.done = make(chan struct{})
	s.exited = make(chan struct{})
	s.proc = proc
	if proc != nil {
		s.pid.Store(int64(proc.Pid))
	}
	generation := s.generation.Add(1)

	go s.readLoop(reader, s.replies, s.done, s.exited)

	s.logger.Info("Wrapper connected", "pid", s.PID(), "generation", generation)
	return nil
}

func (s *Session) handshake(listener net.Listener) (net.Conn, *bufio.Reader, error) {
	conn, err := listener.Accept()
	if err != nil {
		return nil, nil, fmt.Errorf("get connection from wrapper: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("set deadline: %w", err)
	}
	reader := bufio.NewReader(conn)
	for {
		data, err := reader.ReadBytes('\n')
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("wait for wrapper start: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		if data[0] == 's' {
			break
		}
		if data[0] == 'l' {
			s.handleLog(data[1:])
			continue
		}
		_ = conn.Close()
		return nil, nil, fmt.Errorf("unexpected %q line before start", data[0])
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("clear deadline: %w", err)
	}
	return conn, reader, nil
}

func (s *Session) createUnixListener() (net.Listener, string, error) {
	socketPath := filepath.Join(s.cfg.SocketDir, fmt.Sprintf(socketNameTemplate, xid.New().String()))

	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, "", fmt.Errorf("remove socket at %q: %w", socketPath, err)
		}
	}

	s.logger.Debug("Creating listener socket", "path", socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	unixListener, ok := listener.(*net.UnixListener)
	if !ok {
		_ = listener.Close()
		return nil, "", errors.New("listener is not a unix listener")
	}
	if err := unixListener.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout)); err != nil {
		_ = listener.Close()
		return nil, "", fmt.Errorf("set deadline: %w", err)
	}
	return listener, socketPath, nil
}

func (s *Session) readLoop(reader *bufio.Reader, replies chan<- Reply, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	defer close(replies)

	for {
		data, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Failed to read from wrapper", "err", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case 'r':
			var reply Reply
			if err := json.Unmarshal(data[1:], &reply); err != nil {
				s.logger.Error("Can't decode reply", "err", err)
				continue
			}
			select {
			case replies <- reply:
			case <-done:
				return
			}
		case 'l':
			s.handleLog(data[1:])
		case 's':
		default:
			s.logger.Warn("Unknown line from wrapper", "type", string(data[0]))
		}
	}
}

func (s *Session) handleLog(data []byte) {
	var record logRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Error("Can't decode log", "err", err)
		return
	}

	level := slog.LevelDebug
	switch record.Level {
	case "error", "critical", "fatal":
		level = slog.LevelError
	case "warning", "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	}

	attrs := make([]any, 0, len(record.With)*2+2)
	attrs = append(attrs, "source", "wrapper")
	for k, v := range record.With {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(context.Background(), level, record.Message, attrs...)
}

func (s *Session) resetLocked() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.proc != nil {
		_ = s.proc.Kill()
		s.proc = nil
	}
	s.pid.Store(0)
	s.enc = nil
	s.replies = nil
	s.exited = nil
}
