// Package sandbox implements the command builder and child-spawn protocol
// of the action-execution core: a Command accumulates the namespace
// flags, mounts, chroot, and stdio disposition for one sandboxed
// invocation, and Run drives the clone3/execve protocol with timeout
// enforcement via pidfd + poll.
package sandbox

import (
	"golang.org/x/sys/unix"
)

// MountOp mirrors mount(2)'s five arguments exactly. Nulls (empty
// strings) are permitted, per mount(2). Order within a Command's mount
// list is significant: mounts are applied in the order they were added.
type MountOp struct {
	Source string
	Target string
	Fstype string
	Flags  uintptr
	Data   string
}

// StdioDisposition says what the child should do with one of its
// standard streams.
type StdioDisposition struct {
	Kind StdioKind
	// Fd is the parent-side fd to dup2 onto the target stream when Kind
	// is StdioDup.
	Fd int
}

type StdioKind int

const (
	StdioInherit StdioKind = iota
	StdioClose
	StdioDup
)

// Command accumulates the configuration for a single sandboxed child
// process. Zero value is an empty, unprivileged command; use the With*
// builder methods to configure it. A Command is single-use: call Run
// at most once.
type Command struct {
	Program string
	Argv    []string
	Envp    []string

	NamespaceFlags int
	RequestPidfd   bool
	ExitSignal     int

	Setgroups string
	UIDMap    string
	GIDMap    string

	// InitialDirFD, when non-nil, names a directory the child chdir's
	// into before any mount/chroot. The child cannot simply
	// fchdir(InitialDirFD): subsequent mount/chroot
	// calls with relative paths misbehave after fchdir to an FD. Run
	// resolves this FD to a textual path via readlinkat(/proc/self/fd/N)
	// in the parent and has the child chdir to that string instead.
	InitialDirFD *int

	Mounts []MountOp

	ChrootPath      string
	PostChrootChdir string

	Stdin  StdioDisposition
	Stdout StdioDisposition
	Stderr StdioDisposition
}

// New returns an empty Command for the given program and argument
// vector. argv[0] conventionally equals program.
func New(program string, argv []string, envp []string) *Command {
	return &Command{
		Program:    program,
		Argv:       argv,
		Envp:       envp,
		ExitSignal: int(unix.SIGCHLD),
		Stdin:      StdioDisposition{Kind: StdioInherit},
		Stdout:     StdioDisposition{Kind: StdioInherit},
		Stderr:     StdioDisposition{Kind: StdioInherit},
	}
}

// WithNamespaces ORs the given clone namespace flags (CLONE_NEWNS,
// CLONE_NEWPID, ...) into the command's flag set.
func (c *Command) WithNamespaces(flags int) *Command {
	c.NamespaceFlags |= flags
	return c
}

// WithPidfd requests a pidfd for the clone, used by Run to enforce the
// timeout via poll(2) instead of a signal-based alarm.
func (c *Command) WithPidfd() *Command {
	c.RequestPidfd = true
	return c
}

// WithIDMaps sets the contents written to /proc/self/{setgroups,uid_map,
// gid_map} in the child before anything else.
func (c *Command) WithIDMaps(setgroups, uidMap, gidMap string) *Command {
	c.Setgroups = setgroups
	c.UIDMap = uidMap
	c.GIDMap = gidMap
	return c
}

// WithInitialDirFD sets the directory the child changes into before
// mounting/chrooting.
func (c *Command) WithInitialDirFD(fd int) *Command {
	c.InitialDirFD = &fd
	return c
}

// WithMount appends one mount operation; order is preserved.
func (c *Command) WithMount(op MountOp) *Command {
	c.Mounts = append(c.Mounts, op)
	return c
}

// WithChroot sets the post-mount chroot path and the chdir performed
// immediately after it.
func (c *Command) WithChroot(path, postChrootChdir string) *Command {
	c.ChrootPath = path
	c.PostChrootChdir = postChrootChdir
	return c
}

// WithStdio sets the disposition of all three standard streams.
func (c *Command) WithStdio(stdin, stdout, stderr StdioDisposition) *Command {
	c.Stdin = stdin
	c.Stdout = stdout
	c.Stderr = stderr
	return c
}

// Result is the outcome of a completed Run.
type Result struct {
	Wstatus unix.WaitStatus
}

// clone3Args mirrors struct clone_args from linux/sched.h. Only the
// fields this package needs are populated; clone3(2) accepts a struct
// shorter than the kernel's compiled-in definition as long as the
// trailing, unspecified fields are implicitly zero, which is how the
// kernel added fields over time without breaking old callers.
type clone3Args struct {
	Flags      uint64
	Pidfd      uint64
	ChildTID   uint64
	ParentTID  uint64
	ExitSignal uint64
	Stack      uint64
	StackSize  uint64
	TLS        uint64
	SetTID     uint64
	SetTIDSize uint64
	Cgroup     uint64
}

