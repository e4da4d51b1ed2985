// Package engine runs the external face recognition process and decodes its output.
package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
)

// Client exposes the subset of functionality used by the enrollment and authentication flows.
type Client interface {
	// Invoke runs the engine on imagePath for subjectID. referencePath names a
	// stored template file to compare against, or is empty for extraction only.
	Invoke(ctx context.Context, imagePath, subjectID, referencePath string) (string, error)
}

// engineEnv silences thread-affinity and SIMD chatter from the engine's native libraries.
var engineEnv = []string{
	"OMP_NUM_THREADS=1",
	"KMP_AFFINITY=noverbose",
	"ONNX_WARNINGS_SUPPRESS=1",
}

const waitDelay = 2 * time.Second

// Options configures how the engine process is launched.
type Options struct {
	// Interpreter is the executable to run, e.g. python3.
	Interpreter string
	// Script is passed as the first argument when set.
	Script  string
	Timeout time.Duration
}

// ProcessClient invokes the engine as a child process with an explicit argument
// list. No shell is involved, so subject ids and paths are never interpreted.
type ProcessClient struct {
	opts   Options
	logger *zap.Logger
}

// NewProcessClient builds a client. A zero timeout means one minute.
func NewProcessClient(opts Options, logger *zap.Logger) *ProcessClient {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &ProcessClient{opts: opts, logger: logger.Named("engine")}
}

func (c *ProcessClient) args(imagePath, subjectID, referencePath string) []string {
	args := make([]string, 0, 4)
	if c.opts.Script != "" {
		args = append(args, c.opts.Script)
	}
	return append(args, imagePath, subjectID, referencePath)
}

// Invoke runs the engine and returns its complete standard output.
func (c *ProcessClient) Invoke(ctx context.Context, imagePath, subjectID, referencePath string) (string, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(c.logger, "engine.invoke", requestID)

	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	args := c.args(imagePath, subjectID, referencePath)
	cmd := exec.CommandContext(runCtx, c.opts.Interpreter, args...) //nolint:gosec
	cmd.Env = append(os.Environ(), engineEnv...)
	// Grandchildren holding the pipes open must not stall Wait past the kill.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	opLogger.Debug("starting recognition engine",
		zap.String("interpreter", c.opts.Interpreter),
		zap.Strings("args", args))

	started := time.Now()
	if err := cmd.Start(); err != nil {
		wrapped := &ProcessError{Command: c.opts.Interpreter, Err: err}
		opLogger.Error("failed to start recognition engine", zap.Error(wrapped))
		return "", wrapped
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	// The caller's own deadline or cancellation is not an engine timeout.
	if ctxErr := ctx.Err(); ctxErr != nil {
		wrapped := &ProcessError{Command: c.opts.Interpreter, Stderr: stderr.String(), Err: ctxErr}
		opLogger.Warn("recognition engine cancelled", zap.Error(wrapped), zap.Duration("elapsed", elapsed))
		return "", wrapped
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		timeoutErr := &ProcessTimeoutError{Timeout: c.opts.Timeout, Stderr: stderr.String()}
		opLogger.Error("recognition engine timed out", zap.Error(timeoutErr), zap.Duration("elapsed", elapsed))
		return "", timeoutErr
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			wrapped := &ProcessError{Command: c.opts.Interpreter, Stderr: stderr.String(), Err: waitErr}
			opLogger.Error("recognition engine failed", zap.Error(wrapped))
			return "", wrapped
		}
		// The engine reports its own failures as a JSON payload and exits non-zero.
		exitCode = exitErr.ExitCode()
	}

	if stderr.Len() > 0 {
		opLogger.Debug("recognition engine stderr", zap.String("stderr", stderr.String()))
	}
	opLogger.Debug("recognition engine finished",
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", elapsed),
		zap.String("stdout", stdout.String()))

	if strings.TrimSpace(stdout.String()) == "" {
		emptyErr := &EmptyOutputError{ExitCode: exitCode, Stderr: stderr.String()}
		opLogger.Error("recognition engine produced no output", zap.Error(emptyErr))
		return "", emptyErr
	}
	if exitCode != 0 {
		opLogger.Warn("recognition engine exited non-zero", zap.Int("exit_code", exitCode))
	}
	return stdout.String(), nil
}
