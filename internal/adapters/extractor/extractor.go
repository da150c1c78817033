// Package extractor runs an external fact extractor process per translation unit.
//
// The process is started as
//
//	<command> <args...> <file> -- <compile args...>
//
// and must print a single JSON document on stdout matching ports.Extraction.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/core/ports"
)

const maxStderr = 4 << 10

type Command struct {
	path    string
	args    []string
	timeout time.Duration
}

func New(command string, args []string, timeout time.Duration) (*Command, error) {
	if strings.TrimSpace(command) == "" {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "extractor command is empty")
	}
	resolved, err := exec.LookPath(command)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeValidationError, "extractor command not found")
	}
	return &Command{path: resolved, args: append([]string(nil), args...), timeout: timeout}, nil
}

// Extract runs the extractor for path. Process start failures, timeouts and
// undecodable output are returned as EXTRACTION_FAILED errors.
func (c *Command) Extract(ctx context.Context, path string, compileArgs []string) (ports.Extraction, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	argv := make([]string, 0, len(c.args)+len(compileArgs)+2)
	argv = append(argv, c.args...)
	argv = append(argv, path, "--")
	argv = append(argv, compileArgs...)

	cmd := exec.CommandContext(ctx, c.path, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ports.Extraction{}, failed(path, ctxErr, "extractor interrupted")
	}

	var out ports.Extraction
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
			return ports.Extraction{}, failed(path, err, "decode extractor output")
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return ports.Extraction{}, failed(path, runErr, "run extractor")
		}
		// A non-zero exit is a parse failure for this file, not an extractor fault.
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("extractor exited with status %d: %s", exitErr.ExitCode(), tail(stderr.String()))
		}
		return out, nil
	}
	if stdout.Len() == 0 {
		return ports.Extraction{}, failed(path, errors.New("empty output"), "decode extractor output")
	}
	return out, nil
}

func failed(path string, err error, msg string) error {
	return domainerrors.AddContext(domainerrors.Wrap(err, domainerrors.CodeExtractionFailed, msg), domainerrors.CtxPath, path)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
