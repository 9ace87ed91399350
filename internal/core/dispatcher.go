package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	errProviderExists   = errors.New("provider already registered")
	errMethodExists     = errors.New("method already registered")
	errInvalidArguments = errors.New("invalid arguments")
)

// Registry хранит модули канала и диспетчеризует команды по имени метода.
type Registry struct {
	channel   string
	providers map[string]Provider
	methods   map[string]Provider
}

// NewRegistry создает пустой реестр для канала с заданным именем.
func NewRegistry(channel string) *Registry {
	return &Registry{
		channel:   channel,
		providers: make(map[string]Provider),
		methods:   make(map[string]Provider),
	}
}

// Channel возвращает имя канала.
func (r *Registry) Channel() string { return r.channel }

// Register добавляет модуль; имена модулей и методов должны быть уникальны.
func (r *Registry) Register(ctx context.Context, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider is nil: %w", errInvalidArguments)
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name is empty: %w", errInvalidArguments)
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%s: %w", name, errProviderExists)
	}
	methods := provider.Methods()
	for _, method := range methods {
		if method == "" {
			return fmt.Errorf("%s: empty method name: %w", name, errInvalidArguments)
		}
		if _, exists := r.methods[method]; exists {
			return fmt.Errorf("%s.%s: %w", name, method, errMethodExists)
		}
	}
	if err := provider.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", name, err)
	}
	r.providers[name] = provider
	for _, method := range methods {
		r.methods[method] = provider
	}
	return nil
}

// Dispatch выполняет команду. Неизвестный канал или метод дает ErrNotImplemented;
// любая ошибка или паника обработчика превращается в Failure.
func (r *Registry) Dispatch(ctx context.Context, call Call) (res Result, err error) {
	if call.Channel != "" && call.Channel != r.channel {
		return Result{}, fmt.Errorf("channel %s: %w", call.Channel, ErrNotImplemented)
	}
	prov, ok := r.methods[call.Method]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", call.Method, ErrNotImplemented)
	}

	defer func() {
		if p := recover(); p != nil {
			res = Failure(fmt.Sprintf("%s: %v", call.Method, p))
			err = nil
		}
	}()

	message, execErr := prov.Execute(ctx, call.Method, call.Payload)
	if execErr != nil {
		return Failure(execErr.Error()), nil
	}
	return Success(message), nil
}

// Has сообщает, обслуживает ли реестр канал и метод вызова.
func (r *Registry) Has(call Call) bool {
	if call.Channel != "" && call.Channel != r.channel {
		return false
	}
	_, ok := r.methods[call.Method]
	return ok
}

// Methods возвращает отсортированный список методов канала.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers возвращает список зарегистрированных модулей.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
