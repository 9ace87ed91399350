package core

import (
	"context"
	"errors"
)

// ErrNotImplemented возвращается, если канал или метод не зарегистрирован.
// Транспорт отдает его как сигнал "not implemented", а не как карту с ошибкой.
var ErrNotImplemented = errors.New("method not implemented")

// Call описывает входящую команду транспорта.
type Call struct {
	Channel string
	Method  string
	Payload Payload
}

// Result содержит ровно одно из двух: сообщение или текст ошибки.
type Result struct {
	failed bool
	text   string
}

// Success создает успешный результат; пустое сообщение допустимо.
func Success(message string) Result {
	return Result{text: message}
}

// Failure создает результат с ошибкой.
func Failure(errText string) Result {
	return Result{failed: true, text: errText}
}

// Failed сообщает, содержит ли результат ошибку.
func (r Result) Failed() bool { return r.failed }

// Message возвращает текст успешного результата.
func (r Result) Message() (string, bool) {
	if r.failed {
		return "", false
	}
	return r.text, true
}

// Error возвращает текст ошибки.
func (r Result) Error() (string, bool) {
	if !r.failed {
		return "", false
	}
	return r.text, true
}

// Map возвращает представление для канала: {"message": ...} или {"error": ...}.
func (r Result) Map() map[string]interface{} {
	if r.failed {
		return map[string]interface{}{"error": r.text}
	}
	return map[string]interface{}{"message": r.text}
}

// Provider определяет контракт для модулей, обслуживающих методы канала.
type Provider interface {
	Name() string
	Init(ctx context.Context) error
	Methods() []string
	Execute(ctx context.Context, method string, payload Payload) (string, error)
}
