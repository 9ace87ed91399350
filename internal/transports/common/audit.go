package common

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"pybridge/internal/core"
	"pybridge/internal/storage"
)

// AuditSink записывает аудиторные события.
type AuditSink = storage.AuditWriter

type requestIDKey struct{}

// WithRequestID кладет идентификатор запроса транспорта в контекст.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext возвращает идентификатор запроса или создает новый.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return NewRequestID()
}

// NewRequestID создает идентификатор запроса.
func NewRequestID() string {
	return uuid.NewString()
}

// Аудит хранит только форму аргументов, а не код скрипта.
func buildAuditPayload(call core.Call) []byte {
	meta := map[string]interface{}{
		"channel": call.Channel,
		"method":  call.Method,
		"kind":    call.Payload.Kind.String(),
	}
	switch call.Payload.Kind {
	case core.KindString:
		meta["size"] = len(call.Payload.Str)
	case core.KindInt:
		meta["value"] = call.Payload.Value()
	case core.KindMap:
		keys := make([]string, 0, len(call.Payload.Map))
		for k := range call.Payload.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta["keys"] = keys
	}
	payload, _ := json.Marshal(meta)
	return payload
}
