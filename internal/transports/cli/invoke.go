package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pybridge/internal/core"
)

var errScriptFailed = errors.New("script failed")

func newInvokeCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "invoke <method> [json-arguments]",
		Short: "Вызвать метод канала и напечатать карту результата",
		Example: `  pybridge invoke runPythonScript '"print(1)"'
  pybridge invoke startPyServer 8080
  pybridge invoke interpreterStatus`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments interface{}
			if len(args) == 2 {
				decoded, err := decodeArguments(args[1])
				if err != nil {
					return err
				}
				arguments = decoded
			}
			res, err := invoke(cmd.Context(), opts, timeout, args[0], arguments)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res.Map())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 65*time.Second, "таймаут вызова")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <file|->",
		Short: "Выполнить скрипт через runPythonScript и напечатать его вывод",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			res, err := invoke(cmd.Context(), opts, timeout, "runPythonScript", code)
			if err != nil {
				return err
			}
			if text, failed := res.Error(); failed {
				fmt.Fprintln(cmd.ErrOrStderr(), text)
				return errScriptFailed
			}
			message, _ := res.Message()
			_, err = io.WriteString(cmd.OutOrStdout(), message)
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 65*time.Second, "таймаут вызова")
	return cmd
}

func invoke(ctx context.Context, opts *rootOptions, timeout time.Duration, method string, arguments interface{}) (core.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rt, err := opts.factory(ctx, opts.configPath)
	if err != nil {
		return core.Result{}, err
	}
	defer rt.Close()

	res, err := rt.Invoke(ctx, method, arguments)
	if errors.Is(err, core.ErrNotImplemented) {
		return core.Result{}, fmt.Errorf("method %q is not implemented", method)
	}
	return res, err
}

// decodeArguments разбирает JSON-аргумент; числа остаются целыми.
func decodeArguments(raw string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("arguments must be JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("arguments must be a single JSON value")
	}
	return v, nil
}

func readScript(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 -- путь к скрипту задает оператор.
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}
