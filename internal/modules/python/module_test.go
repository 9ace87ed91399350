package python

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"pybridge/internal/core"
	"pybridge/internal/interp"
)

type fakeInterpreter struct {
	mu         sync.Mutex
	requests   []interp.Request
	generation uint64
	replies    map[string]interp.Reply
	errs       map[string][]error
}

func newFakeInterpreter() *fakeInterpreter {
	return &fakeInterpreter{
		replies: map[string]interp.Reply{},
		errs:    map[string][]error{},
	}
}

func (f *fakeInterpreter) Call(_ context.Context, req interp.Request) (interp.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generation == 0 {
		f.generation = 1
	}
	f.requests = append(f.requests, req)
	if queued := f.errs[req.Op]; len(queued) > 0 {
		f.errs[req.Op] = queued[1:]
		return interp.Reply{}, queued[0]
	}
	if reply, ok := f.replies[req.Op]; ok {
		return reply, nil
	}
	if req.Op == interp.OpStartServer {
		return interp.Reply{Message: fmt.Sprintf("Python server started on port %d.", req.Port)}, nil
	}
	return interp.Reply{Message: ""}, nil
}

func (f *fakeInterpreter) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *fakeInterpreter) Stats(context.Context) (interp.Stats, error) {
	return interp.Stats{Running: f.Generation() > 0, PID: 4242, Generation: f.Generation()}, nil
}

func (f *fakeInterpreter) restart() {
	f.mu.Lock()
	f.generation++
	f.mu.Unlock()
}

func (f *fakeInterpreter) calls(op string) []interp.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interp.Request
	for _, req := range f.requests {
		if req.Op == op {
			out = append(out, req)
		}
	}
	return out
}

type ModuleTestSuite struct {
	suite.Suite
	ctx      context.Context
	interp   *fakeInterpreter
	module   *Module
	registry *core.Registry
}

func (suite *ModuleTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.interp = newFakeInterpreter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	suite.module = New(logger, suite.interp, Config{MaxOutputBytes: 16})
	suite.registry = core.NewRegistry("chaquopy")
	suite.Require().NoError(suite.registry.Register(suite.ctx, suite.module))
}

func (suite *ModuleTestSuite) dispatch(method string, args interface{}) map[string]interface{} {
	res, err := suite.registry.Dispatch(suite.ctx, core.Call{
		Channel: "chaquopy",
		Method:  method,
		Payload: core.PayloadOf(args),
	})
	suite.Require().NoError(err)
	return res.Map()
}

func (suite *ModuleTestSuite) TestRunScriptPassesCodeAndTimeout() {
	suite.interp.replies[interp.OpExec] = interp.Reply{Message: "hi\n"}

	suite.Require().Equal(map[string]interface{}{"message": "hi\n"}, suite.dispatch(MethodRunScript, "print('hi')"))

	reqs := suite.interp.calls(interp.OpExec)
	suite.Require().Len(reqs, 1)
	suite.Require().Equal("print('hi')", reqs[0].Code)
	suite.Require().Equal(15.0, reqs[0].Timeout)
}

func (suite *ModuleTestSuite) TestRunScriptWithoutArgumentsRunsEmptyScript() {
	suite.Require().Equal(map[string]interface{}{"message": ""}, suite.dispatch(MethodRunScript, nil))
	suite.Require().Equal("", suite.interp.calls(interp.OpExec)[0].Code)
}

func (suite *ModuleTestSuite) TestRunScriptExceptionBecomesError() {
	suite.interp.errs[interp.OpExec] = []error{&interp.ScriptError{Op: interp.OpExec, Message: "ZeroDivisionError: division by zero"}}

	suite.Require().Equal(map[string]interface{}{"error": "ZeroDivisionError: division by zero"}, suite.dispatch(MethodRunScript, "1/0"))
}

func (suite *ModuleTestSuite) TestRunScriptRejectsWrongKind() {
	out := suite.dispatch(MethodRunScript, int64(7))

	suite.Require().Contains(out, "error")
	suite.Require().NotContains(out, "message")
	suite.Require().Empty(suite.interp.calls(interp.OpExec), "interpreter must not be touched")
}

func (suite *ModuleTestSuite) TestOutputIsTruncatedOnRuneBoundary() {
	// 15 ASCII bytes followed by a two-byte rune that straddles the limit.
	suite.interp.replies[interp.OpExec] = interp.Reply{Message: "aaaaaaaaaaaaaaaé tail"}

	out := suite.dispatch(MethodRunScript, "x")
	suite.Require().Equal("aaaaaaaaaaaaaaa", out["message"])
}

func (suite *ModuleTestSuite) TestRunFromFileDecodesBase64() {
	code := "def greet(n):\n    return 'hi ' + n\n"
	suite.interp.replies[interp.OpCall] = interp.Reply{Message: "hi bob\n"}

	out := suite.dispatch(MethodRunFromFile, map[string]interface{}{
		"code":     base64.StdEncoding.EncodeToString([]byte(code)),
		"function": "greet",
		"args":     "bob",
	})
	suite.Require().Equal(map[string]interface{}{"message": "hi bob\n"}, out)

	req := suite.interp.calls(interp.OpCall)[0]
	suite.Require().Equal(code, req.Code)
	suite.Require().Equal("greet", req.Function)
	suite.Require().Equal("bob", req.Args)
	suite.Require().Equal(30.0, req.Timeout)
}

func (suite *ModuleTestSuite) TestRunFromFileAcceptsUnpaddedBase64() {
	suite.dispatch(MethodRunFromFile, map[string]interface{}{
		"code":     base64.RawStdEncoding.EncodeToString([]byte("x=1")),
		"function": "f",
	})
	req := suite.interp.calls(interp.OpCall)[0]
	suite.Require().Equal("x=1", req.Code)
	suite.Require().Equal("", req.Args)
}

func (suite *ModuleTestSuite) TestRunFromFileRejectsBadInput() {
	for name, args := range map[string]interface{}{
		"not base64":      map[string]interface{}{"code": "%%%", "function": "f"},
		"non-string code": map[string]interface{}{"code": int64(1), "function": "f"},
		"string payload":  "code",
	} {
		out := suite.dispatch(MethodRunFromFile, args)
		suite.Require().Contains(out, "error", name)
	}
	suite.Require().Empty(suite.interp.calls(interp.OpCall))
}

func (suite *ModuleTestSuite) TestRunFromFileWithoutArguments() {
	suite.interp.errs[interp.OpCall] = []error{&interp.ScriptError{Op: interp.OpCall, Message: "ValueError: Function '' not found"}}

	out := suite.dispatch(MethodRunFromFile, nil)
	suite.Require().Equal(map[string]interface{}{"error": "ValueError: Function '' not found"}, out)
}

func (suite *ModuleTestSuite) TestStartServerIsIdempotent() {
	first := suite.dispatch(MethodStartServer, int64(5000))
	suite.Require().Equal(map[string]interface{}{"message": "Python server started on port 5000."}, first)

	second := suite.dispatch(MethodStartServer, int64(8080))
	suite.Require().Equal(map[string]interface{}{"message": alreadyRunningMessage}, second)

	suite.Require().Len(suite.interp.calls(interp.OpStartServer), 1)
	snap := suite.module.server.snapshot()
	suite.Require().Equal("started", snap.State)
	suite.Require().Equal(5000, snap.Port)
}

func (suite *ModuleTestSuite) TestStartServerDefaultPort() {
	out := suite.dispatch(MethodStartServer, nil)
	suite.Require().Equal(map[string]interface{}{"message": "Python server started on port 5000."}, out)

	req := suite.interp.calls(interp.OpStartServer)[0]
	suite.Require().Equal(5000, req.Port)
	suite.Require().Equal("App", req.Module)
	suite.Require().Equal(0.5, req.Grace)
}

func (suite *ModuleTestSuite) TestStartServerRejectsBadPort() {
	for _, args := range []interface{}{int64(0), int64(70000), "5000"} {
		out := suite.dispatch(MethodStartServer, args)
		suite.Require().Contains(out, "error", "%v", args)
	}
	suite.Require().Empty(suite.interp.calls(interp.OpStartServer))
	suite.Require().Equal("not_started", suite.module.server.snapshot().State)
}

func (suite *ModuleTestSuite) TestStartServerFailureAllowsRetry() {
	suite.interp.errs[interp.OpStartServer] = []error{&interp.ScriptError{Op: interp.OpStartServer, Message: "OSError: [Errno 98] Address already in use"}}

	out := suite.dispatch(MethodStartServer, int64(5000))
	suite.Require().Equal(map[string]interface{}{"error": "OSError: [Errno 98] Address already in use"}, out)
	snap := suite.module.server.snapshot()
	suite.Require().Equal("failed", snap.State)
	suite.Require().Equal("OSError: [Errno 98] Address already in use", snap.LastError)

	out = suite.dispatch(MethodStartServer, int64(5001))
	suite.Require().Equal(map[string]interface{}{"message": "Python server started on port 5001."}, out)
	suite.Require().Len(suite.interp.calls(interp.OpStartServer), 2)
}

func (suite *ModuleTestSuite) TestStartServerAfterInterpreterRestart() {
	suite.dispatch(MethodStartServer, nil)
	suite.interp.restart()

	out := suite.dispatch(MethodStartServer, nil)
	suite.Require().Equal(map[string]interface{}{"message": "Python server started on port 5000."}, out)
	suite.Require().Len(suite.interp.calls(interp.OpStartServer), 2)
}

func (suite *ModuleTestSuite) TestConcurrentStartsLaunchOnce() {
	var wg sync.WaitGroup
	results := make([]map[string]interface{}, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := suite.registry.Dispatch(suite.ctx, core.Call{Method: MethodStartServer, Payload: core.PayloadOf(int64(5000 + i))})
			if err == nil {
				results[i] = res.Map()
			}
		}(i)
	}
	wg.Wait()

	suite.Require().Len(suite.interp.calls(interp.OpStartServer), 1)
	running := 0
	for _, r := range results {
		if r["message"] == alreadyRunningMessage {
			running++
		}
	}
	suite.Require().Equal(7, running)
}

func (suite *ModuleTestSuite) TestReadServerOutput() {
	suite.interp.replies[interp.OpServerOutput] = interp.Reply{Message: "serving\n"}

	suite.Require().Equal(map[string]interface{}{"message": "serving\n"}, suite.dispatch(MethodServerOutput, nil))
	suite.Require().Contains(suite.dispatch(MethodServerOutput, "x"), "error")
}

func (suite *ModuleTestSuite) TestInterpreterStatus() {
	suite.dispatch(MethodStartServer, int64(6000))

	out := suite.dispatch(MethodStatus, nil)
	text, ok := out["message"].(string)
	suite.Require().True(ok, "%v", out)

	var status struct {
		Interpreter interp.Stats   `json:"interpreter"`
		Server      serverSnapshot `json:"server"`
	}
	suite.Require().NoError(json.Unmarshal([]byte(text), &status))
	suite.Require().True(status.Interpreter.Running)
	suite.Require().Equal(4242, status.Interpreter.PID)
	suite.Require().Equal("started", status.Server.State)
	suite.Require().Equal(6000, status.Server.Port)
}

func (suite *ModuleTestSuite) TestInfrastructureErrorIsReported() {
	suite.interp.errs[interp.OpExec] = []error{fmt.Errorf("start interpreter: %w", errors.New("no python"))}

	suite.Require().Equal(map[string]interface{}{"error": "start interpreter: no python"}, suite.dispatch(MethodRunScript, "x"))
}

func TestModuleTestSuite(t *testing.T) {
	suite.Run(t, new(ModuleTestSuite))
}

func TestLimitOutput(t *testing.T) {
	cases := []struct {
		in        string
		max       int
		want      string
		truncated bool
	}{
		{"hello", 0, "hello", false},
		{"hello", 5, "hello", false},
		{"hello", 3, "hel", true},
		{"ééé", 3, "é", true},
	}
	for _, tc := range cases {
		got, truncated := limitOutput(tc.in, tc.max)
		if got != tc.want || truncated != tc.truncated {
			t.Fatalf("limitOutput(%q, %d) = %q, %v; want %q, %v", tc.in, tc.max, got, truncated, tc.want, tc.truncated)
		}
	}
}
