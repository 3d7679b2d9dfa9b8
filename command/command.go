// Package command runs git commands and reports failures with the command
// line, exit status and captured output attached.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Options changes where a command runs.
type Options struct {
	// Path is the working directory of the command, empty means the
	// working directory of the current process.
	Path string
	// GitDir is passed as `--git-dir` so the command operates on the
	// given object store instead of the one found from Path.
	GitDir string
}

// Runner runs a git command and returns its trimmed stdout.
// Failures are reported as *Error.
type Runner interface {
	Run(ctx context.Context, opts Options, args ...string) (string, error)
}

// Error is returned when a command could not be started or exited with
// a non-zero status.
type Error struct {
	Command  string // full command line
	Dir      string // working directory of the command
	ExitCode int    // -1 if the command did not exit normally
	Stdout   string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("Run(%s): err:%v { stdout: %q, stderr: %q }", e.Command, e.Err, e.Stdout, e.Stderr)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Git runs commands with the git executable.
type Git struct {
	exec string
	envs []string
	log  *slog.Logger
}

// NewGit returns Git runner using given executable. if gitExec is empty
// 'git' is looked up in PATH. envs is the complete environment passed to
// every command, the environment of the current process is not inherited.
func NewGit(gitExec string, envs []string, log *slog.Logger) *Git {
	if gitExec == "" {
		gitExec = exec.Command("git").Path
	}
	if log == nil {
		log = slog.Default()
	}
	return &Git{exec: gitExec, envs: envs, log: log}
}

// Run runs git with given arguments
func (g *Git) Run(ctx context.Context, opts Options, args ...string) (string, error) {
	if opts.GitDir != "" {
		args = append([]string{"--git-dir", opts.GitDir}, args...)
	}
	return RunCommand(ctx, g.log, g.envs, opts.Path, g.exec, args...)
}

// RunCommand runs given command with given arguments on given CWD
func RunCommand(ctx context.Context, log *slog.Logger, envs []string, cwd string, command string, args ...string) (string, error) {

	cmdStr := command + " " + strings.Join(args, " ")
	log.Log(ctx, -8, "running command", "cwd", cwd, "cmd", cmdStr)

	cmd := exec.CommandContext(ctx, command, args...)
	// force kill git & child process 5 seconds after sending it sigterm (when ctx is cancelled/timed out)
	cmd.WaitDelay = 5 * time.Second
	if cwd != "" {
		cmd.Dir = cwd
	}
	outbuf := bytes.NewBuffer(nil)
	errbuf := bytes.NewBuffer(nil)
	cmd.Stdout = outbuf
	cmd.Stderr = errbuf

	// If Env is nil, the new process uses the current process's environment.
	cmd.Env = []string{}

	if len(envs) > 0 {
		cmd.Env = append(cmd.Env, envs...)
	}

	start := time.Now()
	err := cmd.Run()
	runTime := time.Since(start)

	stdout := strings.TrimSpace(outbuf.String())
	stderr := strings.TrimSpace(errbuf.String())
	if ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{
			Command:  cmdStr,
			Dir:      cwd,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
			Err:      err,
		}
	}
	log.Log(ctx, -8, "command result", "stdout", stdout, "stderr", stderr, "time", runTime)

	return stdout, nil
}
