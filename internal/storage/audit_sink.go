package storage

import "context"

// AuditWriter - приемник аудита вызовов для транспортов; sqlite.Store его реализует.
type AuditWriter interface {
	Write(ctx context.Context, ev AuditEvent) error
}
