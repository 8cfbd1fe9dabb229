package subprocess

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wagiedev/mcp-channel-go/internal/cli"
	"github.com/wagiedev/mcp-channel-go/internal/config"
	"github.com/wagiedev/mcp-channel-go/internal/errors"
)

const (
	// readBufferSize is the initial buffer size for reading worker output.
	readBufferSize = 64 * 1024
	// maxStderrLineSize bounds a single stderr line; longer lines are dropped.
	maxStderrLineSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize is the maximum size for the stderr buffer.
	// Stderr reading continues indefinitely (callback receives all lines),
	// but the buffer stops growing after this limit to prevent unbounded memory usage.
	maxStderrBufferSize = 1024 * 1024 // 1MB
	// killWait is how long Terminate waits for exit after SIGKILL before
	// closing the read pipes itself.
	killWait = 2 * time.Second
	// writeAbandonWait is how long SendMessage waits for a write goroutine
	// after closing stdin on cancellation.
	writeAbandonWait = 1 * time.Second
)

// errLineTooLong reports a stdout line above the configured limit.
var errLineTooLong = stderrors.New("line exceeds maximum size")

// Worker owns a single worker process and its pipes.
type Worker struct {
	log       *slog.Logger
	stderrLog *slog.Logger
	options   *config.Options

	path string
	args []string
	env  []string
	cwd  string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stderrCallback func(string)
	maxLineSize    int

	writeSem chan struct{} // Holds one token while a stdin write is in progress

	mu          sync.Mutex // Protects the flags below; held only briefly
	stdinClosed bool       // Whether stdin was closed (cancellation or termination)
	closing     bool       // Whether Terminate() has been called (intentional shutdown)
	reading     bool       // Whether ReadLines() owns reaping the process

	stopDelivery chan struct{}

	reapOnce sync.Once
	exited   chan struct{}
	exitErr  error

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
}

// NewWorker creates a worker for the given options. Nothing is started until Start.
func NewWorker(log *slog.Logger, options *config.Options) *Worker {
	if options == nil {
		options = &config.Options{}
	}

	return &Worker{
		log:            log.With("component", "worker"),
		stderrLog:      log.With("component", "worker", "stream", "stderr"),
		options:        options,
		stderrCallback: options.Stderr,
		maxLineSize:    options.ResolveMaxLineSize(),
		writeSem:       make(chan struct{}, 1),
		stopDelivery:   make(chan struct{}),
		exited:         make(chan struct{}),
	}
}

// Start resolves the executable and spawns the worker process.
//
// The process is not bound to ctx: it runs until Terminate is called or it
// exits on its own. Returns SpawnError if the executable cannot be located or
// the process fails to start.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("Starting worker process", "command", w.options.Command)

	cwd, err := cli.ResolveWorkdir(w.options)
	if err != nil {
		return &errors.SpawnError{Command: w.options.Command, Err: err}
	}

	w.cwd = cwd

	discoverer := cli.NewDiscoverer(&cli.Config{
		Command: w.options.Command,
		Dir:     cwd,
		Logger:  w.log,
	})

	path, err := discoverer.Discover(ctx)
	if err != nil {
		if _, ok := stderrors.AsType[*errors.SpawnError](err); ok {
			return err
		}

		return &errors.SpawnError{Command: w.options.Command, Err: err}
	}

	w.path = path
	w.args = append([]string(nil), w.options.Args...)
	w.env = cli.BuildEnvironment(w.options, cwd)

	w.log.Debug("Prepared worker command", "path", w.path, "args", w.args, "cwd", w.cwd)

	//nolint:gosec // G204: launching a configured worker executable is the purpose of this package
	cmd := exec.Command(w.path, w.args...)
	cmd.Dir = w.cwd
	cmd.Env = w.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return w.spawnError("stdin pipe", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return w.spawnError("stdout pipe", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return w.spawnError("stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return w.spawnError("start process", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	w.stderr = stderr
	w.mu.Unlock()

	w.log.Info("Worker process started", "pid", cmd.Process.Pid)

	return nil
}

func (w *Worker) spawnError(step string, err error) error {
	w.log.Error("Failed to start worker", "step", step, "error", err)

	return &errors.SpawnError{Command: w.options.Command, Err: fmt.Errorf("%s: %w", step, err)}
}

// ReadLines starts the output reader and the stderr drain.
//
// Each non-empty stdout line is sent on the returned channel. Lines above the
// configured maximum are logged and dropped. When stdout reaches EOF the
// process is reaped and both channels are closed; an unexpected non-zero exit
// is reported as a ProcessError on the error channel first.
//
// If ctx is cancelled or Terminate is called, delivery stops but the pipes
// keep being drained until the process exits.
func (w *Worker) ReadLines(ctx context.Context) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errs := make(chan error, 1)

	w.mu.Lock()

	if w.cmd == nil || w.reading {
		w.mu.Unlock()

		if w.cmd == nil {
			errs <- errors.ErrWorkerNotStarted
		} else {
			errs <- fmt.Errorf("worker output already being read")
		}

		close(errs)
		close(lines)

		return lines, errs
	}

	w.reading = true
	w.mu.Unlock()

	var stderrWg sync.WaitGroup

	// Simple read loop - relies on process exit (or Terminate closing the
	// pipes) to unblock the read.
	stderrWg.Go(w.drainStderr)

	go func() {
		defer close(lines)
		defer close(errs)
		defer w.log.Debug("Output reader stopped")

		reader := bufio.NewReaderSize(w.stdout, readBufferSize)
		deliver := true
		lineCount := 0

		for {
			line, err := readLine(reader, w.maxLineSize)
			if stderrors.Is(err, errLineTooLong) {
				w.log.Warn("Dropping oversized line from worker", "max_bytes", w.maxLineSize)

				continue
			}

			if len(line) > 0 && deliver {
				lineCount++

				select {
				case lines <- line:
				case <-w.stopDelivery:
					deliver = false
				case <-ctx.Done():
					w.log.Debug("Context cancelled, draining remaining output", "error", ctx.Err())

					deliver = false
				}
			}

			if err != nil {
				if !stderrors.Is(err, io.EOF) && !w.isClosing() {
					w.log.Debug("Stdout read error", "error", err)
				}

				break
			}
		}

		w.log.Debug("Worker stdout closed", "lines_read", lineCount)

		// Wait for stderr goroutine before process wait
		stderrWg.Wait()

		err := w.reap()
		if err == nil {
			w.log.Info("Worker process exited")

			return
		}

		if w.isClosing() {
			w.log.Debug("Worker process terminated during shutdown", "error", err)

			return
		}

		exitCode := -1
		if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
			exitCode = exitErr.ExitCode()
		}

		stderrOutput := w.StderrOutput()

		w.log.Error("Worker process exited with error", "exit_code", exitCode, "stderr", stderrOutput)

		errs <- &errors.ProcessError{
			ExitCode: exitCode,
			Stderr:   stderrOutput,
			Err:      err,
		}
	}()

	return lines, errs
}

// drainStderr forwards each stderr line to the logger and the optional
// callback until the stream closes.
func (w *Worker) drainStderr() {
	reader := bufio.NewReaderSize(w.stderr, readBufferSize)

	for {
		raw, err := readLine(reader, maxStderrLineSize)
		if stderrors.Is(err, errLineTooLong) {
			continue
		}

		if line := strings.TrimRight(string(raw), "\r"); line != "" {
			w.stderrLog.Info("worker: " + line)

			w.stderrMu.Lock()

			if w.stderrBuf.Len() < maxStderrBufferSize {
				if w.stderrBuf.Len() > 0 {
					w.stderrBuf.WriteString("\n")
				}

				w.stderrBuf.WriteString(line)
			}

			w.stderrMu.Unlock()

			if w.stderrCallback != nil {
				w.stderrCallback(line)
			}
		}

		if err != nil {
			// Don't fail - process may have exited
			if !stderrors.Is(err, io.EOF) {
				w.log.Debug("Stderr read error", "error", err)
			}

			return
		}
	}
}

// readLine reads one newline-terminated line without the terminator.
// Lines longer than max are consumed entirely and reported as errLineTooLong.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var (
		buf     []byte
		tooLong bool
	)

	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}

		if !tooLong {
			if len(buf)+len(chunk) > max {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if !isPrefix {
			break
		}
	}

	if tooLong {
		return nil, errLineTooLong
	}

	return buf, nil
}

// reap waits for the process exactly once and records its exit status.
func (w *Worker) reap() error {
	w.reapOnce.Do(func() {
		w.exitErr = w.cmd.Wait()
		close(w.exited)
	})

	return w.exitErr
}

// SendMessage writes one line to the worker's stdin.
//
// A trailing newline is added if missing. This method is safe for concurrent
// use: writes are serialized so lines never interleave. If ctx is done during
// a blocked write, stdin is closed to unblock it and subsequent calls return
// ErrStdinClosed. Waiting for an earlier write also honors ctx, and Terminate
// unblocks both a pending write and its waiters.
func (w *Worker) SendMessage(ctx context.Context, data []byte) error {
	select {
	case w.writeSem <- struct{}{}:
		defer func() { <-w.writeSem }()
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopDelivery:
		return errors.ErrStdinClosed
	}

	w.mu.Lock()
	stdin, closed := w.stdin, w.stdinClosed
	w.mu.Unlock()

	if stdin == nil {
		return errors.ErrWorkerNotStarted
	}

	if closed {
		return errors.ErrStdinClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Use explicit copy to avoid mutating caller's backing array if slice has spare capacity
	if len(data) == 0 || data[len(data)-1] != '\n' {
		newData := make([]byte, len(data)+1)
		copy(newData, data)
		newData[len(data)] = '\n'
		data = newData
	}

	done := make(chan error, 1)

	go func() {
		_, err := stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			w.log.Debug("Failed to write to worker stdin", "error", err)

			if w.isStdinClosed() {
				return errors.ErrStdinClosed
			}

			return fmt.Errorf("write to stdin: %w", err)
		}

		return nil

	case <-ctx.Done():
		w.log.Debug("Context done during write, closing stdin")

		_ = w.CloseStdin()

		select {
		case <-done:
		case <-time.After(writeAbandonWait):
			w.log.Warn("Write goroutine did not exit after stdin close, potential leak")
		}

		return ctx.Err()
	}
}

// CloseStdin closes the stdin pipe to signal end of input.
func (w *Worker) CloseStdin() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closeStdinLocked()
}

func (w *Worker) isStdinClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.stdinClosed
}

func (w *Worker) closeStdinLocked() error {
	if w.stdin == nil || w.stdinClosed {
		return nil
	}

	w.stdinClosed = true

	return w.stdin.Close()
}

// Terminate stops the worker process.
//
// Stdin is closed and SIGTERM is sent; if the process has not exited after
// grace it is killed. It's safe to call Terminate multiple times or on a
// worker that was never started.
func (w *Worker) Terminate(grace time.Duration) error {
	w.mu.Lock()

	if w.cmd == nil {
		w.closing = true
		w.mu.Unlock()

		return nil
	}

	if w.closing {
		w.mu.Unlock()
		<-w.exited

		return nil
	}

	w.closing = true
	close(w.stopDelivery)
	_ = w.closeStdinLocked()
	reading := w.reading
	w.mu.Unlock()

	if !reading {
		// Nobody else will wait for the process
		go func() { _ = w.reap() }()
	}

	pid := w.cmd.Process.Pid

	select {
	case <-w.exited:
		return nil
	default:
	}

	w.log.Debug("Sending SIGTERM to worker", "pid", pid, "grace", grace)

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if stderrors.Is(err, os.ErrProcessDone) {
			<-w.exited

			return nil
		}

		w.log.Debug("SIGTERM not delivered, killing immediately", "pid", pid, "error", err)

		grace = 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-w.exited:
		w.log.Info("Worker exited after SIGTERM", "pid", pid)

		return nil
	case <-timer.C:
	}

	w.log.Warn("Worker did not exit after SIGTERM, sending SIGKILL", "pid", pid)

	if err := w.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker (pid %d): %w", pid, err)
	}

	select {
	case <-w.exited:
		return nil
	case <-time.After(killWait):
	}

	// A descendant still holds the pipes open; close our ends so the loops finish.
	w.log.Warn("Worker pipes still open after SIGKILL, closing them", "pid", pid)

	_ = w.stdout.Close()
	_ = w.stderr.Close()

	<-w.exited

	return nil
}

// Pid returns the process id, or 0 before Start.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}

	return w.cmd.Process.Pid
}

// Exited returns a channel that is closed once the process has been reaped.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// ExitErr returns the error from waiting on the process. Only meaningful
// after Exited is closed.
func (w *Worker) ExitErr() error {
	select {
	case <-w.exited:
		return w.exitErr
	default:
		return nil
	}
}

// Running reports whether the process was started and has not been reaped.
func (w *Worker) Running() bool {
	if w.Pid() == 0 {
		return false
	}

	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// StderrOutput returns the buffered stderr output (capped).
func (w *Worker) StderrOutput() string {
	w.stderrMu.Lock()
	defer w.stderrMu.Unlock()

	return w.stderrBuf.String()
}

func (w *Worker) isClosing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closing
}
