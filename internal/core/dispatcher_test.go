package core

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name     string
	methods  []string
	execErr  error
	panicMsg string
	calls    int
}

func (f *fakeProvider) Name() string                   { return f.name }
func (f *fakeProvider) Init(ctx context.Context) error { return nil }
func (f *fakeProvider) Methods() []string              { return f.methods }
func (f *fakeProvider) Execute(ctx context.Context, method string, p Payload) (string, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.execErr != nil {
		return "", f.execErr
	}
	return method + ":" + p.Str, nil
}

func TestRegisterAndDispatch(t *testing.T) {
	r := NewRegistry("chaquopy")
	ctx := context.Background()
	if err := r.Register(ctx, &fakeProvider{name: "test", methods: []string{"ping"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := r.Dispatch(ctx, Call{Channel: "chaquopy", Method: "ping", Payload: PayloadOf("x")})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	msg, ok := res.Message()
	if !ok || msg != "ping:x" {
		t.Fatalf("unexpected result: %#v", res.Map())
	}
	if _, hasErr := res.Map()["error"]; hasErr {
		t.Fatalf("success must not carry error key")
	}
}

func TestDuplicateProvider(t *testing.T) {
	r := NewRegistry("chaquopy")
	ctx := context.Background()
	prov := &fakeProvider{name: "dup", methods: []string{"a"}}
	if err := r.Register(ctx, prov); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(ctx, prov); err == nil {
		t.Fatalf("expected error on duplicate register")
	}
}

func TestDuplicateMethod(t *testing.T) {
	r := NewRegistry("chaquopy")
	ctx := context.Background()
	if err := r.Register(ctx, &fakeProvider{name: "one", methods: []string{"run"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(ctx, &fakeProvider{name: "two", methods: []string{"run"}})
	if !errors.Is(err, errMethodExists) {
		t.Fatalf("expected errMethodExists, got %v", err)
	}
}

func TestUnknownMethodNotImplemented(t *testing.T) {
	r := NewRegistry("chaquopy")
	ctx := context.Background()
	prov := &fakeProvider{name: "test", methods: []string{"ping"}}
	if err := r.Register(ctx, prov); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, call := range []Call{
		{Method: "none"},
		{Method: "Ping"},
		{Channel: "other", Method: "ping"},
	} {
		if r.Has(call) {
			t.Fatalf("%+v: Has must be false", call)
		}
		_, err := r.Dispatch(ctx, call)
		if !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("%+v: expected ErrNotImplemented, got %v", call, err)
		}
	}
	if !r.Has(Call{Method: "ping"}) || !r.Has(Call{Channel: "chaquopy", Method: "ping"}) {
		t.Fatalf("Has must report registered method")
	}
	if prov.calls != 0 {
		t.Fatalf("provider must not be touched, calls=%d", prov.calls)
	}
}

func TestHandlerErrorBecomesFailure(t *testing.T) {
	r := NewRegistry("chaquopy")
	ctx := context.Background()
	if err := r.Register(ctx, &fakeProvider{name: "test", methods: []string{"boom"}, execErr: errors.New("division by zero")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := r.Dispatch(ctx, Call{Method: "boom"})
	if err != nil {
		t.Fatalf("handler errors must not cross the boundary: %v", err)
	}
	text, ok := res.Error()
	if !ok || text != "division by zero" {
		t.Fatalf("unexpected result: %#v", res.Map())
	}
	if _, hasMsg := res.Map()["message"]; hasMsg {
		t.Fatalf("failure must not carry message key")
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	r := NewRegistry("chaquopy")
	ctx := context.Background()
	if err := r.Register(ctx, &fakeProvider{name: "test", methods: []string{"boom"}, panicMsg: "bad state"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := r.Dispatch(ctx, Call{Method: "boom"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Failed() {
		t.Fatalf("expected failure, got %#v", res.Map())
	}
}

func TestEmptyMessageKeepsKey(t *testing.T) {
	res := Success("")
	if v, ok := res.Map()["message"]; !ok || v != "" {
		t.Fatalf("expected empty message key, got %#v", res.Map())
	}
}

func TestMethodsSorted(t *testing.T) {
	r := NewRegistry("chaquopy")
	if err := r.Register(context.Background(), &fakeProvider{name: "test", methods: []string{"b", "a"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := r.Methods()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected methods: %v", got)
	}
}
