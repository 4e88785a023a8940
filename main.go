package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"

	"github.com/go-authgate/smarther-cli/internal/auth"
	"github.com/go-authgate/smarther-cli/internal/oauth"
	"github.com/go-authgate/smarther-cli/tui"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authorization is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization flow failed.
	ExitCodeAuthFailed = 3
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := (&cli{}).execute(ctx, os.Args[1:])
	stop()

	if err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to a semantic exit code for scripting.
func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if auth.IsReauthorizationRequired(err) || errors.Is(err, auth.ErrTokenRejected) {
		return ExitCodeAuthRequired
	}
	var flowErr *oauth.FlowError
	if errors.As(err, &flowErr) {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

// reportedError marks an error the Displayer has already shown.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// withDisplayer runs fn with the TUI when stderr is a terminal and plain
// output otherwise. Errors from fn are shown through the Displayer.
func withDisplayer(cfg *config, plain bool, fn func(d tui.Displayer) error) error {
	if plain || !isTTY() {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := fn(d); err != nil {
			d.Fatal(err)
			return &reportedError{err: err}
		}
		return nil
	}

	restoreLogs := muteConsoleLogging(cfg)
	defer restoreLogs()

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	runErr := fn(d)
	if runErr != nil {
		d.Fatal(runErr)
	}
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()

	if runErr != nil {
		return &reportedError{err: runErr}
	}
	return nil
}
