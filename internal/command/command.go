// Package command parses and materializes the subprocess command the
// supervisor wraps.
package command

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/google/shlex"
)

// Spec is the parsed representation of the user-supplied subprocess
// command: a program and its argument vector. It is immutable after
// construction.
type Spec struct {
	Program string
	Args    []string
}

// Parse applies POSIX shell word-splitting (with quoting) to s. An empty
// result is an error; the first token becomes Program and the rest become
// Args.
func Parse(s string) (Spec, error) {
	parts, err := shlex.Split(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid command: %w", err)
	}
	if len(parts) == 0 {
		return Spec{}, fmt.Errorf("invalid command")
	}
	return Spec{Program: parts[0], Args: parts[1:]}, nil
}

// String reconstructs a (non-reversibly quoted) human-readable form of the
// command, for logging.
func (s Spec) String() string {
	out := s.Program
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// Materialize builds an *exec.Cmd for this command: the child's
// environment is the parent's plus PORT=port, stdout/stderr are left for
// the caller to pipe, and the child runs in its own process group so
// signals delivered to the parent's terminal (e.g. Ctrl-C in an
// interactive shell) do not also reach it directly. setProcAttr (platform-
// specific, see procattr_*.go) additionally arranges for the child to die
// if this process dies unexpectedly, where the platform supports it.
func Materialize(spec Spec, port uint16) *exec.Cmd {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Env = append(cmd.Environ(), "PORT="+strconv.Itoa(int(port)))
	setProcAttr(cmd)
	return cmd
}
