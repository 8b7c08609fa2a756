// Package action implements the orchestrator: it builds the sandbox
// skeleton for one action, runs the action-specific code (or, for the
// run-action variant, a sandboxed program) inside it, hashes the
// declared outputs, and installs them into the content-addressed cache.
package action

import "time"

// Descriptor is the input to the orchestrator for the run-action
// variant: a program, its argument vector, environment, declared
// outputs, and a timeout.
type Descriptor struct {
	// Program is an absolute path.
	Program string
	// Argv is the argument vector; argv[0] conventionally equals Program.
	Argv []string
	// Env holds NAME=VALUE strings.
	Env []string
	// Outputs is the ordered set of declared output paths, relative to
	// the sandbox's /outputs directory.
	Outputs []string
	Timeout time.Duration
}

// Context is handed to action-specific code: a scratch directory FD and
// a log file FD. The action-specific code must not close either FD; it
// may freely create, modify, and delete files within the scratch
// directory, and must leave each declared output as a directory entry
// of outputs/ by the time it returns.
type Context struct {
	ScratchFD int
	LogFD     int
}

// Code is the action-specific callback invoked with a Context. It
// returns an error on failure; the orchestrator captures that as
// Status.Failure.
type Code func(*Context) error

// Status is the outcome of PerformAction: exactly one of Success,
// Warning, or Failure.
type Status struct {
	Kind  StatusKind
	Log   string
	Cause error
}

type StatusKind int

const (
	StatusSuccess StatusKind = iota
	StatusWarning
	StatusFailure
)
