package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается, если запись отсутствует.
var ErrNotFound = errors.New("record not found")

// Статусы аудита вызова канала.
const (
	StatusOK             = "ok"
	StatusError          = "error"
	StatusNotImplemented = "not_implemented"
	StatusDenied         = "denied"
	StatusRateLimited    = "rate_limited"
)

// MetricRecord хранит снимок метрик модуля (например, процесса интерпретатора).
type MetricRecord struct {
	Module  string
	Payload []byte
	TS      time.Time
}

// AuditEvent фиксирует один вызов канала. Action имеет вид "<channel>:<method>".
type AuditEvent struct {
	Subject    string
	Action     string
	Source     string
	Status     string
	RequestID  string
	DurationMS int64
	Payload    []byte
	TS         time.Time
}

// AuditQuery задает фильтры выборки аудита; пустые поля не фильтруют.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Action  string
	Status  string
	Limit   int
}

// PruneResult - сколько строк удалено при очистке.
type PruneResult struct {
	Metrics int64
	Audit   int64
}

// Store описывает операции хранилища.
type Store interface {
	SaveMetric(ctx context.Context, rec MetricRecord) error
	SaveAudit(ctx context.Context, ev AuditEvent) error
	LatestMetric(ctx context.Context, module string) (MetricRecord, error)
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	Prune(ctx context.Context, before time.Time) (PruneResult, error)
	Close() error
}
