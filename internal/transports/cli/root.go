package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pybridge/internal/core"
)

// Runtime - то, что CLI нужно от собранного приложения.
type Runtime interface {
	Invoke(ctx context.Context, method string, arguments interface{}) (core.Result, error)
	Serve(ctx context.Context) error
	Close() error
}

// Factory собирает Runtime по пути к конфигу.
type Factory func(ctx context.Context, configPath string) (Runtime, error)

type rootOptions struct {
	configPath string
	factory    Factory
}

// New создает корневую CLI-команду.
func New(version string, factory Factory) *cobra.Command {
	opts := &rootOptions{factory: factory}
	root := &cobra.Command{
		Use:           "pybridge",
		Short:         "Мост метод-канала к встроенному интерпретатору Python",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "путь к YAML-конфигу")

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newInvokeCmd(opts))
	root.AddCommand(newRunCmd(opts))

	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить транспорты и планировщик до SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := opts.factory(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
