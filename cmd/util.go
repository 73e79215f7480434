package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sahib/config"
	"github.com/sahib/vmcache/defaults"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/vm"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// ExitCode is an error that maps to a certain process exit code.
type ExitCode struct {
	Code    int
	Message string
}

func (err ExitCode) Error() string {
	return err.Message
}

func exitf(code int, format string, args ...interface{}) ExitCode {
	return ExitCode{Code: code, Message: fmt.Sprintf(format, args...)}
}

// exitErr picks an exit code from the kind of `err`.
func exitErr(err error, what string) ExitCode {
	code := UnknownError
	switch status.KindOf(err) {
	case status.IOError, status.AccessDenied:
		code = IOFailure
	case status.InvalidArgument, status.NotFound:
		code = BadArgs
	}

	return exitf(code, "%s: %v (status %d)", what, err, status.Code(err))
}

type checkFunc func(ctx *cli.Context) int

func withArgCheck(checker checkFunc, handler cli.ActionFunc) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if code := checker(ctx); code != Success {
			return exitf(code, "bad arguments")
		}

		return handler(ctx)
	}
}

func needAtLeast(min int) checkFunc {
	return func(ctx *cli.Context) int {
		if ctx.NArg() < min {
			if min == 1 {
				log.Warningf("Need at least %d argument.", min)
			} else {
				log.Warningf("Need at least %d arguments.", min)
			}

			if err := cli.ShowCommandHelp(ctx, ctx.Command.Name); err != nil {
				log.Warningf("Failed to display --help: %v", err)
			}

			return BadArgs
		}

		return Success
	}
}

func configPath(ctx *cli.Context) string {
	return ctx.GlobalString("config")
}

func openConfig(ctx *cli.Context) (*config.Config, error) {
	path := configPath(ctx)
	logVerbose(ctx, "using config at %s", path)

	cfg, err := defaults.OpenMigratedConfig(path)
	if err != nil {
		return nil, exitf(BadConfig, "failed to open config %s: %v", path, err)
	}

	return cfg, nil
}

type cmdHandlerWithSystem func(ctx *cli.Context, sys *vm.System) error

// withSystem builds and initializes a System from the config for the
// duration of `handler`.
func withSystem(handler cmdHandlerWithSystem) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := openConfig(ctx)
		if err != nil {
			return err
		}

		sys, err := vm.NewFromConfig(cfg)
		if err != nil {
			return exitf(BadConfig, "cannot build vm: %v", err)
		}

		if err := sys.Init(); err != nil {
			return exitErr(err, "init")
		}

		handlerErr := handler(ctx, sys)
		if err := sys.Shutdown(); err != nil {
			log.WithError(err).Warnf("shutdown failed")
			if handlerErr == nil {
				handlerErr = exitErr(err, "shutdown")
			}
		}

		return handlerErr
	}
}

func logWriter(path string) (io.Writer, error) {
	switch path {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
}
