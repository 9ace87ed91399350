package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pybridge/internal/core"
	"pybridge/internal/storage"
)

// ErrRateLimited возвращается, если subject превысил лимит вызовов.
var ErrRateLimited = errors.New("rate limit exceeded")

// Service объединяет общий пайплайн authz->ratelimit->dispatch->audit для всех транспортов.
type Service struct {
	Source      string
	Registry    *core.Registry
	Authorizer  core.Authorizer
	RateLimiter *RateLimiter
	AuditSink   AuditSink
}

// Invoke проверяет доступ и лимит, выполняет вызов и пишет аудит.
// Ошибка возвращается только для вызовов, не дошедших до обработчика:
// core.ErrNotImplemented, core.ErrAccessDenied или ErrRateLimited.
func (s *Service) Invoke(ctx context.Context, subjectID string, call core.Call) (core.Result, error) {
	if call.Channel == "" {
		call.Channel = s.Registry.Channel()
	}
	subject := core.Subject{Source: s.Source, ID: subjectID}
	action := core.Action{Channel: call.Channel, Method: call.Method}
	started := time.Now()

	if s.Authorizer != nil {
		if err := s.Authorizer.Authorize(subject, action); err != nil {
			s.writeAudit(ctx, subject, call, storage.StatusDenied, started)
			return core.Result{}, err
		}
	}
	// Неизвестный метод не расходует лимит.
	if !s.Registry.Has(call) {
		s.writeAudit(ctx, subject, call, storage.StatusNotImplemented, started)
		return core.Result{}, fmt.Errorf("%s:%s: %w", call.Channel, call.Method, core.ErrNotImplemented)
	}
	if s.RateLimiter != nil {
		if !s.RateLimiter.Allow(fmt.Sprintf("%s:%s", s.Source, subjectID), started) {
			s.writeAudit(ctx, subject, call, storage.StatusRateLimited, started)
			return core.Result{}, ErrRateLimited
		}
	}

	res, err := s.Registry.Dispatch(ctx, call)
	switch {
	case err != nil:
		s.writeAudit(ctx, subject, call, storage.StatusNotImplemented, started)
		return core.Result{}, err
	case res.Failed():
		s.writeAudit(ctx, subject, call, storage.StatusError, started)
	default:
		s.writeAudit(ctx, subject, call, storage.StatusOK, started)
	}
	return res, nil
}

func (s *Service) writeAudit(ctx context.Context, subject core.Subject, call core.Call, status string, started time.Time) {
	if s.AuditSink == nil {
		return
	}
	_ = s.AuditSink.Write(ctx, storage.AuditEvent{
		Subject:    subject.ID,
		Action:     fmt.Sprintf("%s:%s", call.Channel, call.Method),
		Source:     subject.Source,
		Status:     status,
		RequestID:  RequestIDFromContext(ctx),
		DurationMS: time.Since(started).Milliseconds(),
		Payload:    buildAuditPayload(call),
		TS:         started.UTC(),
	})
}
