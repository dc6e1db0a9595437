// Package executor runs cached check scripts as child processes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chkbus/pkg/api"
)

// DefaultRunMethod is used when a dispatch names no run method.
const DefaultRunMethod = "python"

var ErrUnknownRunMethod = errors.New("executor: unknown run method")

// Result is the outcome of a script that started. A non-zero exit is a
// normal result, not an error.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// SpawnError means the child process could not be started.
type SpawnError struct {
	Program string
	Script  string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s %s: %v", e.Program, e.Script, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Executor maps run methods to interpreter programs.
type Executor struct {
	interpreters map[string]string
	timeout      time.Duration
}

// New builds an Executor. A zero timeout leaves executions unbounded.
func New(interpreters map[string]string, timeout time.Duration) *Executor {
	table := make(map[string]string, len(interpreters))
	for k, v := range interpreters {
		table[strings.ToLower(k)] = v
	}
	return &Executor{interpreters: table, timeout: timeout}
}

// Interpreter resolves a run method to the program that runs the script.
func (e *Executor) Interpreter(runMethod string) (string, error) {
	if runMethod == "" {
		runMethod = DefaultRunMethod
	}
	prog, ok := e.interpreters[strings.ToLower(runMethod)]
	if !ok || prog == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownRunMethod, runMethod)
	}
	return prog, nil
}

// Run executes script with args flattened on whitespace. guard, when set, is
// held from before the process starts until it has started, or until it exits
// when hold is true.
func (e *Executor) Run(ctx context.Context, script string, args []string, runMethod string, guard sync.Locker, hold bool) (Result, error) {
	prog, err := e.Interpreter(runMethod)
	if err != nil {
		return Result{}, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	argv := append([]string{script}, api.FlattenArgs(args)...)
	cmd := exec.CommandContext(ctx, prog, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if guard != nil {
		guard.Lock()
	}
	start := time.Now()
	err = cmd.Start()
	if guard != nil && (!hold || err != nil) {
		guard.Unlock()
	}
	if err != nil {
		return Result{}, &SpawnError{Program: prog, Script: script, Err: err}
	}

	err = cmd.Wait()
	if guard != nil && hold {
		guard.Unlock()
	}
	res := Result{Output: stdout.String(), Duration: time.Since(start)}

	if stderr.Len() > 0 {
		log.Debug().Str("script", script).Str("stderr", stderr.String()).Msg("Check wrote to stderr")
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, &SpawnError{Program: prog, Script: script, Err: err}
		}
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			log.Warn().Str("script", script).Dur("elapsed", res.Duration).Msg("Check killed after timeout")
		}
	}
	return res, nil
}
