package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"pybridge/internal/core"
	"pybridge/internal/transports/common"
)

// Config описывает слушатель канала.
type Config struct {
	Network       string
	Address       string
	MaxFrameBytes int
}

// Adapter - транспорт метод-канала: кадры msgpack поверх unix или tcp сокета.
// Запросы одного соединения выполняются по порядку, соединения независимы.
type Adapter struct {
	logger  *slog.Logger
	service *common.Service
	cfg     Config

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAdapter создает транспорт канала.
func NewAdapter(logger *slog.Logger, service *common.Service, cfg Config) *Adapter {
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Adapter{
		logger:  logger.With("transport", "channel"),
		service: service,
		cfg:     cfg,
		conns:   make(map[net.Conn]struct{}),
	}
}

func (a *Adapter) Name() string { return "channel" }

// Start открывает слушатель и принимает соединения в фоне.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return errors.New("channel transport already started")
	}
	if a.cfg.Network == "unix" {
		if err := removeStaleSocket(a.cfg.Address); err != nil {
			return err
		}
	}
	listener, err := net.Listen(a.cfg.Network, a.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", a.cfg.Network, a.cfg.Address, err)
	}
	// Вызовы живут дольше контекста запуска; их отменяет Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.listener = listener
	a.cancel = cancel

	a.wg.Add(1)
	go a.acceptLoop(runCtx, listener)
	a.logger.Info("Channel transport listening", "network", a.cfg.Network, "address", listener.Addr().String())
	return nil
}

// Addr возвращает адрес слушателя после Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stop закрывает слушатель и соединения и ждет завершения обработчиков.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	listener := a.listener
	if listener == nil {
		a.mu.Unlock()
		return nil
	}
	a.listener = nil
	a.cancel()
	_ = listener.Close()
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("channel transport stop: %w", ctx.Err())
	}
	if a.cfg.Network == "unix" {
		_ = os.Remove(a.cfg.Address)
	}
	return nil
}

func (a *Adapter) acceptLoop(ctx context.Context, listener net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("Accept failed", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !a.track(conn) {
			_ = conn.Close()
			return
		}
		a.wg.Add(1)
		go a.serveConn(ctx, conn)
	}
}

func (a *Adapter) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *Adapter) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Adapter) serveConn(ctx context.Context, conn net.Conn) {
	defer a.wg.Done()
	defer a.untrack(conn)

	subject := subjectOf(conn)
	logger := a.logger.With("peer", subject)
	logger.Debug("Channel connection opened")
	codec := NewCodec(conn, a.cfg.MaxFrameBytes)

	for {
		var req Request
		err := codec.ReadFrame(&req)
		var decodeErr *DecodeError
		switch {
		case err == nil:
		case errors.As(err, &decodeErr):
			logger.Warn("Undecodable frame", "err", err)
			if writeErr := codec.WriteFrame(errorResponse(0, err)); writeErr != nil {
				return
			}
			continue
		case errors.Is(err, ErrFrameTooLarge):
			logger.Warn("Frame rejected", "err", err)
			_ = codec.WriteFrame(errorResponse(0, err))
			return
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			logger.Debug("Channel connection closed")
			return
		default:
			logger.Debug("Channel read failed", "err", err)
			return
		}

		resp := a.handle(ctx, subject, req)
		if err := codec.WriteFrame(resp); err != nil {
			if !errors.Is(err, ErrFrameTooLarge) {
				logger.Debug("Channel write failed", "id", req.ID, "err", err)
				return
			}
			if err := codec.WriteFrame(errorResponse(req.ID, err)); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) handle(ctx context.Context, subject string, req Request) Response {
	reqCtx := common.WithRequestID(ctx, common.NewRequestID())
	res, err := a.service.Invoke(reqCtx, subject, core.Call{
		Channel: req.Channel,
		Method:  req.Method,
		Payload: core.PayloadOf(req.Arguments),
	})
	switch {
	case err == nil:
		return Response{ID: req.ID, Status: StatusSuccess, Result: res.Map()}
	case errors.Is(err, core.ErrNotImplemented):
		return Response{ID: req.ID, Status: StatusNotImplemented}
	default:
		return errorResponse(req.ID, err)
	}
}

func errorResponse(id uint64, err error) Response {
	return Response{ID: id, Status: StatusError, Result: map[string]interface{}{"error": err.Error()}}
}

func subjectOf(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil || addr.Network() == "unix" {
		return "local"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.Dial("unix", path); err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use", path)
	}
	return os.Remove(path)
}
