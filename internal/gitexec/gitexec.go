// Package gitexec runs git commands and streams their combined output.
//
// Every streamed command first emits a line echoing the command itself
// ("$ git fetch origin"), then one line per output line. Output is
// flushed on newline boundaries and also on carriage-return-terminated
// progress updates, so git's progress meters surface incrementally
// instead of arriving only when the process exits.
package gitexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// LineFunc receives one line of command output at a time.
type LineFunc func(line string)

// CommandError reports a git command that exited non-zero. Callers
// classify recoverable conditions by inspecting ExitCode; see ExitCode
// for the errors.As-based accessor.
type CommandError struct {
	// Args are the git arguments that were executed (without "git").
	Args []string

	// ExitCode is the process exit code.
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
}

// ExitCode returns the exit code carried by err if it is (or wraps) a
// CommandError, and -1 otherwise.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// Run executes git with the given arguments in dir, streaming combined
// stdout/stderr to emit line by line. A non-zero exit returns a
// *CommandError; any other failure to start or read the process is
// returned wrapped.
//
// An empty dir runs the command in the current working directory
// (used for clone, where the target directory does not exist yet).
func Run(ctx context.Context, dir string, emit LineFunc, args ...string) error {
	if emit == nil {
		emit = func(string) {}
	}
	emit("$ git " + strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open pipe for git %s: %w", strings.Join(args, " "), err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start git %s: %w", strings.Join(args, " "), err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &CommandError{Args: args, ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	if scanErr != nil {
		return fmt.Errorf("failed reading output of git %s: %w", strings.Join(args, " "), scanErr)
	}

	return nil
}

// Output executes git with the given arguments in dir and returns its
// stdout, without streaming. Used for read-only state queries where the
// caller parses the output rather than displaying it.
func Output(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.Bytes(), &CommandError{Args: args, ExitCode: exitErr.ExitCode()}
		}
		return nil, fmt.Errorf("git %s failed: %w\n%s", strings.Join(args, " "), err, stderr.String())
	}

	return stdout.Bytes(), nil
}

// scanLines is a bufio.SplitFunc that terminates a token on "\n",
// "\r\n", or a lone "\r" followed by any other byte. The split on lone
// "\r" is what lets progress bars (which redraw in place) come through
// as discrete lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// "\r": look ahead one byte to distinguish "\r\n" from a
		// progress-update "\r".
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
