package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrHookNotStarted = errors.New("hook not started")
	ErrHookInProgress = errors.New("hook in progress")
)

// waitDelay bounds the wait for output of orphaned children after the
// command was killed.
const waitDelay = 5 * time.Second

type StderrFunc func(ctx context.Context, line string)

// Runner executes a single instance of an external command at a time and
// hands its Result to all waiters.
type Runner struct {
	mx         sync.Mutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrHookNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// WithEnv returns a copy of the command with extra environment variables.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Failed returns a reason why the command did not succeed or an empty string.
func (r Result) Failed() string {
	switch {
	case r.Err != nil:
		return "err: " + r.Err.Error()
	case r.State == nil:
		return "state is nil"
	case r.State.ExitCode() != 0:
		return "exit code " + r.State.String()
	default:
		return ""
	}
}

// Start runs the command, returns ErrHookInProgress if the previous one is
// still running. It does not wait for the command, use WaitChan for that.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrHookInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = append([]string(nil), proto.Env...)
	cmd.WaitDelay = waitDelay
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			r.cancelFunc()
			return err
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.cancelFunc()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd

	var stderrDone chan struct{}
	if stderr != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			processStderr(ctx, stderr, stderrFunc)
		}()
	}
	go r.wait(cmd, r.cancelFunc, stderrDone)
	return nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, cancel context.CancelFunc, stderrDone <-chan struct{}) {
	// stderr must be fully read before Wait closes the pipe
	if stderrDone != nil {
		<-stderrDone
	}
	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns a channel receiving the result of the running command.
// If no command is running, the last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the result of the last command, which has
// ErrHookNotStarted if nothing was executed yet.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}

// Run starts the command and waits for its result.
func (r *Runner) Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	if err := r.Start(ctx, proto, stderrFunc); err != nil {
		res := r.LastResult()
		res.Err = err
		return res
	}
	return <-r.WaitChan()
}
