package python

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pybridge/internal/core"
	"pybridge/internal/interp"
)

// Методы канала.
const (
	MethodRunScript    = "runPythonScript"
	MethodRunFromFile  = "runFromFile"
	MethodStartServer  = "startPyServer"
	MethodServerOutput = "readServerOutput"
	MethodStatus       = "interpreterStatus"
)

// Interpreter - то, что модулю нужно от interp.Session.
type Interpreter interface {
	Call(ctx context.Context, req interp.Request) (interp.Reply, error)
	Generation() uint64
	Stats(ctx context.Context) (interp.Stats, error)
}

// Config задает таймауты и параметры сервера.
type Config struct {
	ScriptTimeout  time.Duration
	FileTimeout    time.Duration
	ServerModule   string
	DefaultPort    int
	StartGrace     time.Duration
	BuiltinServer  bool
	MaxOutputBytes int
}

// Module обслуживает методы канала поверх интерпретатора Python.
type Module struct {
	logger *slog.Logger
	interp Interpreter
	cfg    Config
	server serverStarter
}

// New создает модуль; интерпретатор не запускается до первого вызова.
func New(logger *slog.Logger, interpreter Interpreter, cfg Config) *Module {
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 15 * time.Second
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = 30 * time.Second
	}
	if cfg.ServerModule == "" {
		cfg.ServerModule = "App"
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = 5000
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 500 * time.Millisecond
	}
	return &Module{
		logger: logger.With("module", "python"),
		interp: interpreter,
		cfg:    cfg,
	}
}

func (m *Module) Name() string { return "python" }

func (m *Module) Init(ctx context.Context) error {
	if m.interp == nil {
		return errors.New("python module has no interpreter")
	}
	return nil
}

func (m *Module) Methods() []string {
	return []string{MethodRunScript, MethodRunFromFile, MethodStartServer, MethodServerOutput, MethodStatus}
}

func (m *Module) Execute(ctx context.Context, method string, payload core.Payload) (string, error) {
	switch method {
	case MethodRunScript:
		code, err := decodeScript(method, payload)
		if err != nil {
			return "", err
		}
		return m.run(ctx, interp.Request{Op: interp.OpExec, Code: code, Timeout: m.cfg.ScriptTimeout.Seconds()})
	case MethodRunFromFile:
		args, err := decodeFile(method, payload)
		if err != nil {
			return "", err
		}
		return m.run(ctx, interp.Request{
			Op:       interp.OpCall,
			Code:     args.Code,
			Function: args.Function,
			Args:     args.Args,
			Timeout:  m.cfg.FileTimeout.Seconds(),
		})
	case MethodStartServer:
		port, err := decodePort(method, payload, m.cfg.DefaultPort)
		if err != nil {
			return "", err
		}
		return m.startServer(ctx, port)
	case MethodServerOutput:
		if err := expectNone(method, payload); err != nil {
			return "", err
		}
		return m.run(ctx, interp.Request{Op: interp.OpServerOutput})
	case MethodStatus:
		if err := expectNone(method, payload); err != nil {
			return "", err
		}
		return m.status(ctx)
	default:
		return "", fmt.Errorf("%s: %w", method, core.ErrNotImplemented)
	}
}

func (m *Module) run(ctx context.Context, req interp.Request) (string, error) {
	started := time.Now()
	reply, err := m.interp.Call(ctx, req)
	if err != nil {
		m.logger.Debug("Interpreter call failed", "op", req.Op, "duration", time.Since(started), "err", err)
		return "", err
	}
	out, truncated := limitOutput(reply.Message, m.cfg.MaxOutputBytes)
	if truncated {
		m.logger.Warn("Captured output truncated", "op", req.Op, "size", len(reply.Message), "limit", m.cfg.MaxOutputBytes)
	}
	return out, nil
}

func (m *Module) status(ctx context.Context) (string, error) {
	st, err := m.interp.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("interpreter stats: %w", err)
	}
	data, err := json.Marshal(map[string]interface{}{
		"interpreter": st,
		"server":      m.server.snapshot(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}
	return string(data), nil
}
