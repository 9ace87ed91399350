package interp

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

//go:embed wrapper.py
var wrapperSource []byte

const pythonExeEnv = "PYBRIDGE_PYTHON_EXE"

func (s *Session) launchPython(_ context.Context, socketPath string) (*os.Process, error) {
	wrapperPath, err := s.resolveWrapperPath()
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Using Python wrapper script path", "path", wrapperPath)

	pythonExePath, err := ResolvePythonExe(s.cfg.Exe)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Using Python executable", "path", pythonExePath)

	env := os.Environ()
	pythonPath := s.pythonPath()
	if pythonPath != "" {
		env = append(env, "PYTHONPATH="+pythonPath)
		s.logger.Debug("Setting PYTHONPATH", "value", pythonPath)
	}

	args := []string{"-u", wrapperPath, "--socket", socketPath}
	s.logger.Debug("Running wrapper", "command", pythonExePath+" "+strings.Join(args, " "))

	// not tied to the request context: the interpreter outlives the call that started it
	cmd := exec.Command(pythonExePath, args...)
	cmd.Env = env
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", pythonExePath, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Debug("Wrapper process exited", "pid", cmd.Process.Pid, "err", err)
		}
	}()
	return cmd.Process, nil
}

// ResolvePythonExe finds the interpreter: explicit path, then PYBRIDGE_PYTHON_EXE,
// then python3, then python.
func ResolvePythonExe(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv(pythonExeEnv)} {
		if candidate != "" {
			return exec.LookPath(candidate)
		}
	}

	var lastErr error
	for _, baseName := range []string{"python3", "python"} {
		exePath, err := exec.LookPath(baseName)
		if err == nil {
			return exePath, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("can't find python executable: %w", lastErr)
}

func (s *Session) resolveWrapperPath() (string, error) {
	if s.cfg.WrapperPath != "" {
		if _, err := os.Stat(s.cfg.WrapperPath); err != nil {
			return "", fmt.Errorf("can't find wrapper at %q: %w", s.cfg.WrapperPath, err)
		}
		return s.cfg.WrapperPath, nil
	}

	s.wrapperOnce.Do(func() {
		dir, err := os.MkdirTemp("", "pybridge-wrapper-")
		if err != nil {
			s.wrapperErr = fmt.Errorf("create wrapper dir: %w", err)
			return
		}
		path := filepath.Join(dir, "_pybridge_wrapper.py")
		if err := os.WriteFile(path, wrapperSource, 0o600); err != nil {
			s.wrapperErr = errors.Join(fmt.Errorf("write wrapper: %w", err), os.RemoveAll(dir))
			return
		}
		s.wrapperDir = dir
		s.wrapperPath = path
	})
	return s.wrapperPath, s.wrapperErr
}

// configured dirs come first, an inherited PYTHONPATH is preserved after them
func (s *Session) pythonPath() string {
	parts := append([]string(nil), s.cfg.Path...)
	if inherited := os.Getenv("PYTHONPATH"); inherited != "" {
		parts = append(parts, inherited)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}
