// Package execx abstracts the external host utilities the environment
// manager shells out to (losetup, mkfs.ext4, e2fsck, resize2fs, dpkg,
// apt-get, restorecon). Production code uses ShellRunner; tests inject
// FakeRunner to script and record invocations.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
)

// Runner executes an external tool and returns its trimmed stdout.
type Runner interface {
	// Run executes the named tool with args and returns stdout with
	// surrounding whitespace trimmed. A non-zero exit status is an
	// error carrying the tool's stderr.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ShellRunner runs tools on the real host.
type ShellRunner struct{}

// NewShellRunner creates a Runner backed by os/exec.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

// Run implements Runner.
func (r *ShellRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	logger.Debug("exec", "tool", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", name, msg)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Interactive runs a tool attached to the invoking terminal.
// Used by the enter command to hand the user a shell.
func Interactive(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Call is one recorded FakeRunner invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a single command line, for assertions.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// FakeRunner records invocations and replays scripted results. The zero
// value succeeds every call with empty output.
type FakeRunner struct {
	Calls []Call

	// Outputs maps a tool name to the stdout it should return.
	Outputs map[string]string

	// Errs maps a tool name to the error it should return.
	Errs map[string]error

	// OnRun, if set, is consulted per call and overrides Outputs/Errs.
	OnRun func(name string, args ...string) (string, error)
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.Calls = append(f.Calls, Call{Name: name, Args: args})

	if f.OnRun != nil {
		return f.OnRun(name, args...)
	}
	if err, ok := f.Errs[name]; ok && err != nil {
		return "", err
	}
	return f.Outputs[name], nil
}

// CommandLines returns every recorded call as a rendered command line.
func (f *FakeRunner) CommandLines() []string {
	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = c.String()
	}
	return lines
}

// CallsTo returns the recorded calls for one tool.
func (f *FakeRunner) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
