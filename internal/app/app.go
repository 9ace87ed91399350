package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pybridge/internal/config"
	"pybridge/internal/core"
	"pybridge/internal/interp"
	"pybridge/internal/modules/python"
	"pybridge/internal/storage"
	"pybridge/internal/storage/sqlite"
	"pybridge/internal/transports/channel"
	"pybridge/internal/transports/common"
	"pybridge/internal/transports/web"
)

// App агрегирует зависимости моста.
type App struct {
	Logger     *slog.Logger
	Config     config.Config
	Session    *interp.Session
	Registry   *core.Registry
	Authorizer core.Authorizer
	Store      storage.Store
	Transports *core.TransportManager

	cli *common.Service
}

// NewApp строит приложение: интерпретатор, реестр методов канала, хранилище и транспорты.
// Интерпретатор запускается лениво, при первом вызове.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...interp.Option) (*App, error) {
	session := interp.NewSession(logger, interp.Config{
		Exe:            cfg.Python.Exe,
		Path:           cfg.Python.Path,
		WrapperPath:    cfg.Python.WrapperPath,
		SocketDir:      cfg.Python.SocketDir,
		ConnectTimeout: time.Duration(cfg.Python.ConnectTimeoutMS) * time.Millisecond,
	}, opts...)

	module := python.New(logger, session, python.Config{
		ScriptTimeout:  time.Duration(cfg.Python.ScriptTimeoutS) * time.Second,
		FileTimeout:    time.Duration(cfg.Python.FileTimeoutS) * time.Second,
		ServerModule:   cfg.Python.ServerModule,
		DefaultPort:    cfg.Python.ServerDefaultPort,
		StartGrace:     time.Duration(cfg.Python.ServerStartGraceMS) * time.Millisecond,
		BuiltinServer:  cfg.Python.BuiltinServer,
		MaxOutputBytes: cfg.Bridge.MaxOutputBytes,
	})

	r := core.NewRegistry(cfg.Bridge.Channel)
	if err := r.Register(ctx, module); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("register python module: %w", err)
	}

	st, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	authz := core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist)
	transports := core.NewTransportManager()

	a := &App{
		Logger:     logger,
		Config:     cfg,
		Session:    session,
		Registry:   r,
		Authorizer: authz,
		Store:      st,
		Transports: transports,
		cli: &common.Service{
			Source:     "cli",
			Registry:   r,
			Authorizer: authz,
			AuditSink:  st,
		},
	}

	if cfg.Channel.Enabled {
		svc := &common.Service{
			Source:      "channel",
			Registry:    r,
			Authorizer:  authz,
			RateLimiter: common.NewRateLimiter(cfg.Channel.RateLimit, time.Second),
			AuditSink:   st,
		}
		ch := channel.NewAdapter(logger, svc, channel.Config{
			Network:       cfg.Channel.Network,
			Address:       cfg.Channel.Address,
			MaxFrameBytes: cfg.Channel.MaxFrameBytes,
		})
		if err := transports.Register(ch); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register channel transport: %w", err)
		}
	}

	if cfg.Web.Enabled {
		tokens := make([]web.TokenEntry, 0, len(cfg.Web.Auth.Tokens))
		for _, token := range cfg.Web.Auth.Tokens {
			tokens = append(tokens, web.TokenEntry{
				ID:          token.ID,
				TokenSHA256: token.TokenSHA256,
				Subject:     token.Subject,
				Enabled:     token.Enabled,
			})
		}
		svc := &common.Service{
			Source:     "web",
			Registry:   r,
			Authorizer: authz,
			AuditSink:  st,
		}
		webAdapter := web.NewAdapter(logger, svc, st, web.Config{
			ListenAddr:               cfg.Web.ListenAddr,
			ReadTimeout:              time.Duration(cfg.Web.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout:             time.Duration(cfg.Web.WriteTimeoutMS) * time.Millisecond,
			RequestTimeout:           time.Duration(cfg.Web.RequestTimeoutMS) * time.Millisecond,
			ShutdownTimeout:          time.Duration(cfg.Web.ShutdownTimeoutS) * time.Second,
			MaxRequestBody:           cfg.Web.MaxBodyBytes,
			AllowLegacySubjectHeader: cfg.Web.Auth.AllowLegacySubjectHeader,
			Tokens:                   tokens,
			CORSAllowedOrigins:       cfg.Web.CORS.AllowedOrigins,
			CORSAllowedMethods:       cfg.Web.CORS.AllowedMethods,
			CORSAllowedHeaders:       cfg.Web.CORS.AllowedHeaders,
		})
		if err := transports.Register(webAdapter); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register web transport: %w", err)
		}
	}

	return a, nil
}

// Invoke выполняет метод канала от имени локального CLI.
func (a *App) Invoke(ctx context.Context, method string, arguments interface{}) (core.Result, error) {
	return a.cli.Invoke(ctx, "local", core.Call{
		Channel: a.Registry.Channel(),
		Method:  method,
		Payload: core.PayloadOf(arguments),
	})
}

// Close останавливает интерпретатор, затем закрывает хранилище.
func (a *App) Close() error {
	var errs []error
	if a.Session != nil {
		if err := a.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close interpreter: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Serve запускает транспорты и планировщик и блокируется до отмены контекста.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	a.Logger.Info("Bridge serving", "channel", a.Registry.Channel(), "providers", a.Registry.Providers(), "transports", a.Transports.Names())
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Transports.StopAll(stopCtx); err != nil {
			a.Logger.Warn("Transports stopped with errors", "err", err)
		}
	}()

	interval := time.Duration(a.Config.Scheduler.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	sched := core.NewScheduler(interval, a.Logger)
	sched.Add("interpreter-stats", a.collectInterpreterStats)
	if a.Config.SQLite.RetentionDays > 0 {
		sched.Add("retention", a.pruneRetention)
	}

	sched.Start(ctx)
	return ctx.Err()
}

func (a *App) collectInterpreterStats(jobCtx context.Context) error {
	runCtx, cancel := context.WithTimeout(jobCtx, 3*time.Second)
	defer cancel()

	st, err := a.Session.Stats(runCtx)
	if err != nil {
		return fmt.Errorf("interpreter stats: %w", err)
	}
	if !st.Running {
		return nil
	}
	payload, err := sqlite.MarshalPayload(st)
	if err != nil {
		return err
	}
	return a.Store.SaveMetric(jobCtx, storage.MetricRecord{Module: "interpreter", Payload: payload})
}

func (a *App) pruneRetention(jobCtx context.Context) error {
	before := time.Now().Add(-time.Duration(a.Config.SQLite.RetentionDays) * 24 * time.Hour)
	res, err := a.Store.Prune(jobCtx, before)
	if err != nil {
		return fmt.Errorf("prune storage: %w", err)
	}
	if res.Metrics > 0 || res.Audit > 0 {
		a.Logger.Info("Storage pruned", "metrics", res.Metrics, "audit", res.Audit, "before", before.UTC())
	}
	return nil
}
