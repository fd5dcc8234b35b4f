package task

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

// ErrEmptyProgram is returned when a command is constructed without a program.
var ErrEmptyProgram = errors.New("command program is empty")

// Command describes an external process invocation. Arguments are passed to
// the process literally; no shell expansion or quoting is applied.
type Command struct {
	Program string            `json:"program" toml:"program"`
	Args    []string          `json:"args,omitempty" toml:"args,omitempty"`
	Dir     string            `json:"dir,omitempty" toml:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty" toml:"env,omitempty"`
}

// NewCommand returns a Command for program with the given arguments.
func NewCommand(program string, args ...string) Command {
	return Command{Program: program, Args: args}
}

// Validate reports whether the command can be handed to the process launcher.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Program) == "" {
		return ErrEmptyProgram
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Command) Clone() Command {
	return Command{
		Program: c.Program,
		Args:    slices.Clone(c.Args),
		Dir:     c.Dir,
		Env:     maps.Clone(c.Env),
	}
}

// EnvList renders the overrides as KEY=VALUE pairs sorted by key.
func (c Command) EnvList() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// String renders the command line for logs. It is not a shell-safe rendering.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}
