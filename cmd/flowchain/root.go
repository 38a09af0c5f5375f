package main

import (
	"log/slog"

	"github.com/phatvn/flowchain/chain"
	"github.com/phatvn/flowchain/internal/app"
	"github.com/phatvn/flowchain/internal/config"
	"github.com/phatvn/flowchain/internal/logging"
	"github.com/phatvn/flowchain/internal/runner"
	"github.com/phatvn/flowchain/internal/shutdown"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const closedMessage = "Application has been closed successfully."

// newRootCmd rawArgs 原样传给 runner 和关闭链
func newRootCmd(rawArgs []string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flowchain",
		Short:        "Deploys the holiday request process, runs it to the end and shuts down",
		Long:         `flowchain starts an embedded process engine, deploys the holiday request process, completes its tasks with random decisions and then destroys the engines and closes the application in order.`,
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rawArgs)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.SetArgs(rawArgs)
	return cmd
}

func run(cmd *cobra.Command, rawArgs []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return errors.WithMessage(err, "load config failed")
	}
	logger := logging.New(cfg.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	ctx := cmd.Context()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return errors.WithMessage(err, "start application failed")
	}
	holidayRunner, err := runner.NewHolidayRunner(application.Engine(), cfg.Runner, runner.WithLogger(logger))
	if err != nil {
		_ = application.Close()
		return errors.WithMessage(err, "create holiday runner failed")
	}
	application.AddRunner(holidayRunner)
	if err := application.Run(ctx, rawArgs...); err != nil {
		_ = application.Close()
		return err
	}

	head := chain.Link[shutdown.ApplicationContext](
		&shutdown.DestroyEngine{Logger: logger},
		&shutdown.CloseApplication{Logger: logger},
	)
	if head != nil {
		if err := head.Execute(application, rawArgs...); err != nil {
			return err
		}
	}
	logger.Info(closedMessage)
	return nil
}
