package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"pybridge/internal/storage"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Store реализует storage.Store поверх SQLite.
type Store struct {
	db *sql.DB
}

// Open открывает базу и выполняет миграции. ":memory:" открывает базу в памяти.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			module TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_module_ts ON metrics(module, ts);`,
		`CREATE TABLE IF NOT EXISTS calls_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			subject TEXT,
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			request_id TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			payload BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_audit_ts ON calls_audit(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_audit_action_ts ON calls_audit(action, ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveMetric сохраняет снимок метрик.
func (s *Store) SaveMetric(ctx context.Context, rec storage.MetricRecord) error {
	if rec.Module == "" {
		return errors.New("metric module is empty")
	}
	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics(module, payload, ts) VALUES(?,?,?)`, rec.Module, rec.Payload, ts.UTC())
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// SaveAudit сохраняет событие вызова канала.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls_audit(subject, action, source, status, request_id, duration_ms, payload, ts) VALUES(?,?,?,?,?,?,?,?)`,
		ev.Subject, ev.Action, ev.Source, ev.Status, ev.RequestID, ev.DurationMS, ev.Payload, ts.UTC())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// Write позволяет использовать Store как storage.AuditWriter.
func (s *Store) Write(ctx context.Context, ev storage.AuditEvent) error {
	return s.SaveAudit(ctx, ev)
}

// LatestMetric возвращает последний снимок по модулю.
func (s *Store) LatestMetric(ctx context.Context, module string) (storage.MetricRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT module, payload, ts FROM metrics WHERE module = ? ORDER BY ts DESC, id DESC LIMIT 1`, module)
	var rec storage.MetricRecord
	var ts string
	if err := row.Scan(&rec.Module, &rec.Payload, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MetricRecord{}, fmt.Errorf("latest metric for %q: %w", module, storage.ErrNotFound)
		}
		return storage.MetricRecord{}, fmt.Errorf("query latest metric: %w", err)
	}
	parsedTS, err := parseSQLiteTS(ts)
	if err != nil {
		return storage.MetricRecord{}, fmt.Errorf("parse metric timestamp: %w", err)
	}
	rec.TS = parsedTS
	return rec, nil
}

// QueryAudit возвращает события по фильтрам, новые первыми.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	where := []string{"1=1"}
	var args []interface{}
	if !q.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.To.UTC())
	}
	for column, value := range map[string]string{"subject": q.Subject, "action": q.Action, "status": q.Status} {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT subject, action, source, status, request_id, duration_ms, payload, ts
FROM calls_audit
WHERE `+strings.Join(where, " AND ")+`
ORDER BY ts DESC, id DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var ev storage.AuditEvent
		var subject, requestID sql.NullString
		var ts string
		if err := rows.Scan(&subject, &ev.Action, &ev.Source, &ev.Status, &requestID, &ev.DurationMS, &ev.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		ev.Subject = subject.String
		ev.RequestID = requestID.String
		if ev.TS, err = parseSQLiteTS(ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

// Prune удаляет метрики и аудит старше before.
func (s *Store) Prune(ctx context.Context, before time.Time) (storage.PruneResult, error) {
	var res storage.PruneResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE ts < ?`, before.UTC())
	if err != nil {
		return res, fmt.Errorf("prune metrics: %w", err)
	}
	res.Metrics, _ = out.RowsAffected()

	out, err = tx.ExecContext(ctx, `DELETE FROM calls_audit WHERE ts < ?`, before.UTC())
	if err != nil {
		return res, fmt.Errorf("prune audit: %w", err)
	}
	res.Audit, _ = out.RowsAffected()

	if err := tx.Commit(); err != nil {
		return storage.PruneResult{}, fmt.Errorf("commit prune: %w", err)
	}
	return res, nil
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarshalPayload сериализует снимок метрик.
func MarshalPayload(data interface{}) ([]byte, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return buf, nil
}
