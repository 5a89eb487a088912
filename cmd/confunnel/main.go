package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/confunnel/internal/app"
	"github.com/vk/confunnel/internal/cli"
	"github.com/vk/confunnel/internal/hcl"
	"github.com/vk/confunnel/internal/job"
)

// main is the entrypoint for the confunnel application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.ExitCode(err))
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(ctx context.Context, outW io.Writer, args []string) (err error) {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	// Anything that escapes the stage boundaries is still reported, not dumped.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application panicked | %v", r)
		}
	}()

	confunnel, err := app.NewApp(ctx, outW, appConfig, hcl.NewLoader(), job.NewRegistry())
	if err != nil {
		return &cli.ExitError{Code: cli.ExitUsage, Message: err.Error()}
	}
	return confunnel.Run(ctx)
}
