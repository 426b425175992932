package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	hydrant "github.com/hydrant-io/hydrant"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	configPath := ""
	inputPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		inputPath = os.Args[2]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath, inputPath); err != nil {
		fmt.Fprintln(os.Stderr, "hydrant: fatal:", err)
		return 1
	}
	return 0
}

// run wires CLI args (spec §6: "hydrant [config_path] [input_path]") into
// the App lifecycle: init, then drive process_input until EOF or shutdown
// signal, then tear down.
func run(ctx context.Context, configPath, inputPath string) error {
	var opts []hydrant.Option
	if configPath != "" {
		opts = append(opts, hydrant.WithConfigPath(configPath))
	}
	opts = append(opts, hydrant.WithVersion(version))

	app, err := hydrant.New(opts...)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	input := os.Stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- app.Run(ctx, input)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-ctx.Done():
		// SIGINT/SIGTERM observed. A blocking read on stdin or a pipe is
		// not interruptible (spec §5: "blocking input reads" is an
		// uncancelable suspension point), but the flag is checked between
		// iterations, so Run still returns once the current read unblocks.
		app.RequestShutdown()
		runErr = <-runErrCh
	}

	if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil {
		if runErr == nil {
			return shutdownErr
		}
		return errors.Join(runErr, shutdownErr)
	}
	return runErr
}
