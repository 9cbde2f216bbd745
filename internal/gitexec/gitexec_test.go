package gitexec

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestScanLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "newline separated",
			input: "one\ntwo\nthree\n",
			want:  []string{"one", "two", "three"},
		},
		{
			name:  "crlf",
			input: "one\r\ntwo\r\n",
			want:  []string{"one", "two"},
		},
		{
			name:  "carriage return progress updates",
			input: "Receiving objects:  50%\rReceiving objects: 100%\rdone.\n",
			want:  []string{"Receiving objects:  50%", "Receiving objects: 100%", "done."},
		},
		{
			name:  "no trailing terminator",
			input: "partial",
			want:  []string{"partial"},
		},
		{
			name:  "trailing carriage return",
			input: "spinner\r",
			want:  []string{"spinner"},
		},
		{
			name:  "empty lines preserved",
			input: "a\n\nb\n",
			want:  []string{"a", "", "b"},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := bufio.NewScanner(strings.NewReader(tt.input))
			scanner.Split(scanLines)

			var got []string
			for scanner.Scan() {
				got = append(got, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				t.Fatalf("scanner error: %v", err)
			}

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunEchoesCommand(t *testing.T) {
	requireGit(t)

	var lines []string
	err := Run(context.Background(), "", func(line string) {
		lines = append(lines, line)
	}, "--version")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(lines) < 2 {
		t.Fatalf("expected command echo plus output, got %q", lines)
	}
	if lines[0] != "$ git --version" {
		t.Errorf("first line = %q, want %q", lines[0], "$ git --version")
	}
	if !strings.Contains(lines[1], "git version") {
		t.Errorf("second line = %q, want git version output", lines[1])
	}
}

func TestRunNilEmit(t *testing.T) {
	requireGit(t)

	if err := Run(context.Background(), "", nil, "--version"); err != nil {
		t.Fatalf("Run() with nil emit failed: %v", err)
	}
}

func TestRunCommandError(t *testing.T) {
	requireGit(t)

	dir := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Fatalf("git init failed: %v", err)
	}

	// cat-file -e on a path missing from HEAD exits 128.
	err := Run(context.Background(), dir, nil, "cat-file", "-e", "HEAD:missing.txt")
	if err == nil {
		t.Fatal("expected error for missing object")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if cmdErr.ExitCode != 128 {
		t.Errorf("ExitCode = %d, want 128", cmdErr.ExitCode)
	}
	if ExitCode(err) != 128 {
		t.Errorf("ExitCode(err) = %d, want 128", ExitCode(err))
	}
	if !strings.Contains(cmdErr.Error(), "cat-file") {
		t.Errorf("Error() = %q, want it to name the failing command", cmdErr.Error())
	}
}

func TestOutput(t *testing.T) {
	requireGit(t)

	out, err := Output(context.Background(), "", "--version")
	if err != nil {
		t.Fatalf("Output() failed: %v", err)
	}
	if !strings.Contains(string(out), "git version") {
		t.Errorf("Output() = %q, want git version string", out)
	}
}

func TestOutputCommandError(t *testing.T) {
	requireGit(t)

	// status outside any repository exits 128.
	dir := t.TempDir()
	_, err := Output(context.Background(), dir, "status", "--porcelain")
	if err == nil {
		t.Fatal("expected error outside a repository")
	}
	if ExitCode(err) != 128 {
		t.Errorf("ExitCode = %d, want 128", ExitCode(err))
	}
}

func TestExitCodeNonCommandErrors(t *testing.T) {
	if got := ExitCode(nil); got != -1 {
		t.Errorf("ExitCode(nil) = %d, want -1", got)
	}
	if got := ExitCode(errors.New("boom")); got != -1 {
		t.Errorf("ExitCode(plain error) = %d, want -1", got)
	}
	if got := ExitCode(os.ErrNotExist); got != -1 {
		t.Errorf("ExitCode(os.ErrNotExist) = %d, want -1", got)
	}
}
