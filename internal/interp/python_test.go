package interp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPythonSession(t *testing.T) *Session {
	t.Helper()
	if _, err := ResolvePythonExe(""); err != nil {
		t.Skipf("python not available: %v", err)
	}
	socketDir, err := os.MkdirTemp("", "pyb")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := NewSession(logger, Config{SocketDir: socketDir})
	t.Cleanup(func() {
		_ = session.Close()
		_ = os.RemoveAll(socketDir)
	})
	return session
}

func TestPythonExecCapturesStdout(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := session.Call(ctx, Request{Op: OpExec, Code: "print('hi')", Timeout: 15})
	require.NoError(t, err)
	require.Equal(t, "hi\n", reply.Message)

	reply, err = session.Call(ctx, Request{Op: OpExec, Code: "", Timeout: 15})
	require.NoError(t, err)
	require.Equal(t, "", reply.Message, "every call gets a fresh sink")
}

func TestPythonExecCapturesThreadOutput(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code := "import threading\n" +
		"t = threading.Thread(target=lambda: print('from thread'))\n" +
		"t.start()\n" +
		"t.join()\n" +
		"print('main')\n"
	reply, err := session.Call(ctx, Request{Op: OpExec, Code: code, Timeout: 15})
	require.NoError(t, err)
	require.Equal(t, "from thread\nmain\n", reply.Message)
}

func TestPythonExecException(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := session.Call(ctx, Request{Op: OpExec, Code: "1/0", Timeout: 15})
	var scriptErr *ScriptError
	require.True(t, errors.As(err, &scriptErr), "got %v", err)
	require.Equal(t, "ZeroDivisionError: division by zero", scriptErr.Message)
}

func TestPythonExecTimeout(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := session.Call(ctx, Request{Op: OpExec, Code: "while True:\n    pass\n", Timeout: 1})
	require.Error(t, err)
	require.Equal(t, "TimeoutError: script exceeded 1s", err.Error())

	reply, err := session.Call(ctx, Request{Op: OpExec, Code: "print(2+2)", Timeout: 15})
	require.NoError(t, err)
	require.Equal(t, "4\n", reply.Message)
}

func TestPythonCallFunction(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code := "def greet(name=None):\n    return 'hello ' + str(name)\n"
	reply, err := session.Call(ctx, Request{Op: OpCall, Code: code, Function: "greet", Args: "bob", Timeout: 30})
	require.NoError(t, err)
	require.Equal(t, "hello bob\n", reply.Message)

	_, err = session.Call(ctx, Request{Op: OpCall, Code: code, Function: "missing", Timeout: 30})
	require.EqualError(t, err, "ValueError: Function 'missing' not found")
}

func TestPythonBuiltinServer(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	port := freePort(t)
	reply, err := session.Call(ctx, Request{
		Op:       OpStartServer,
		Module:   "pybridge_missing_app",
		Port:     port,
		Grace:    0.5,
		Fallback: true,
	})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("Python server started on port %d.", port), reply.Message)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reply, err = session.Call(ctx, Request{Op: OpServerOutput})
	require.NoError(t, err)
	require.True(t, strings.Contains(reply.Message, "serving on"), "server sink: %q", reply.Message)

	reply, err = session.Call(ctx, Request{Op: OpExec, Code: "print('isolated')", Timeout: 15})
	require.NoError(t, err)
	require.Equal(t, "isolated\n", reply.Message, "script output must not leak into the server sink")

	code := "import threading\n" +
		"t = threading.Thread(target=lambda: print('worker'))\n" +
		"t.start()\n" +
		"t.join()\n"
	reply, err = session.Call(ctx, Request{Op: OpExec, Code: code, Timeout: 15})
	require.NoError(t, err)
	require.Equal(t, "worker\n", reply.Message)

	reply, err = session.Call(ctx, Request{Op: OpServerOutput})
	require.NoError(t, err)
	require.NotContains(t, reply.Message, "worker")
}

func TestPythonServerModuleMissingWithoutFallback(t *testing.T) {
	session := newPythonSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := session.Call(ctx, Request{Op: OpStartServer, Module: "pybridge_missing_app", Port: freePort(t)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ModuleNotFoundError")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
