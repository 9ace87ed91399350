package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errTransportExists  = errors.New("transport already registered")
	errUnknownTransport = errors.New("unknown transport")
)

// TransportAdapter определяет жизненный цикл входного транспорта канала.
type TransportAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TransportManager запускает транспорты в порядке регистрации и останавливает в обратном.
type TransportManager struct {
	mu      sync.Mutex
	order   []TransportAdapter
	byName  map[string]TransportAdapter
	started []TransportAdapter
}

// NewTransportManager создает пустой менеджер транспортов.
func NewTransportManager() *TransportManager {
	return &TransportManager{byName: make(map[string]TransportAdapter)}
}

// Register добавляет транспорт; имена должны быть уникальны.
func (m *TransportManager) Register(adapter TransportAdapter) error {
	if adapter == nil {
		return fmt.Errorf("transport is nil: %w", errInvalidArguments)
	}
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("transport name is empty: %w", errInvalidArguments)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("%s: %w", name, errTransportExists)
	}
	m.byName[name] = adapter
	m.order = append(m.order, adapter)
	return nil
}

// Names возвращает имена транспортов в порядке регистрации.
func (m *TransportManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.order))
	for _, tr := range m.order {
		names = append(names, tr.Name())
	}
	return names
}

// StartAll запускает все транспорты; при ошибке уже запущенные останавливаются.
func (m *TransportManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	list := append([]TransportAdapter(nil), m.order...)
	m.mu.Unlock()

	for _, tr := range list {
		if err := tr.Start(ctx); err != nil {
			startErr := fmt.Errorf("start transport %s: %w", tr.Name(), err)
			if stopErr := m.StopAll(ctx); stopErr != nil {
				return errors.Join(startErr, stopErr)
			}
			return startErr
		}
		m.mu.Lock()
		m.started = append(m.started, tr)
		m.mu.Unlock()
	}
	return nil
}

// StopAll останавливает запущенные транспорты в обратном порядке.
func (m *TransportManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	list := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop transport %s: %w", list[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// StopOne останавливает конкретный транспорт по имени.
func (m *TransportManager) StopOne(ctx context.Context, name string) error {
	m.mu.Lock()
	tr, ok := m.byName[name]
	if ok {
		kept := m.started[:0]
		for _, s := range m.started {
			if s != tr {
				kept = append(kept, s)
			}
		}
		m.started = kept
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, errUnknownTransport)
	}
	if err := tr.Stop(ctx); err != nil {
		return fmt.Errorf("stop transport %s: %w", tr.Name(), err)
	}
	return nil
}
