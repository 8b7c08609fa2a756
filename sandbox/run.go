//go:build linux

package sandbox

import (
	"runtime"
	"strconv"
	"time"

	"snowflake/ossys"
	"snowflake/usererror"

	"golang.org/x/sys/unix"
)

// Run spawns the child inside the configured namespaces and blocks until
// it has either exited or been killed. It returns only one of: a
// successful *Result, a *usererror.TimeoutError, a
// *usererror.TerminationError, or a plain infrastructure error from
// sandbox construction (callers wrap the latter into
// usererror.CommandSetupError, since the orchestrator is the one with
// enough context to decide that).
//
// Run never returns while the child is alive and never leaks the pidfd.
func (c *Command) Run(timeout time.Duration) (*Result, error) {
	initialDirPath, err := c.resolveInitialDirPath()
	if err != nil {
		return nil, err
	}

	readFD, writeFD, err := ossys.Pipe2(0)
	if err != nil {
		return nil, err
	}

	child := &preparedChild{
		program:         c.Program,
		argv:            c.Argv,
		envp:            c.Envp,
		setgroups:       c.Setgroups,
		uidMap:          c.UIDMap,
		gidMap:          c.GIDMap,
		initialDirPath:  initialDirPath,
		mounts:          c.Mounts,
		chrootPath:      c.ChrootPath,
		postChrootChdir: c.PostChrootChdir,
		stdin:           c.Stdin,
		stdout:          c.Stdout,
		stderr:          c.Stderr,
		errPipeWrite:    writeFD,
	}

	// The thread that calls clone3 must not be handed back to the Go
	// scheduler until after the child has either exec'd or exited: the
	// child is a near-copy of this OS thread's address space, not a new
	// goroutine, so letting the runtime reschedule other goroutines onto
	// it between clone3 and execve would run unrelated Go code inside
	// the half-initialized child.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid, pidfd, err := rawClone3(c.NamespaceFlags, c.ExitSignal, c.RequestPidfd)
	if err != nil {
		ossys.Close(readFD)
		ossys.Close(writeFD)
		return nil, err
	}

	if pid == 0 {
		// Child. Close the read end immediately and run the
		// async-signal-safe sequence; this never returns. Raw unix calls
		// only from here on: the ossys wrappers allocate for their error
		// wrapping.
		unix.Close(readFD)
		runChildPreExec(child)
		panic("unreachable: execve and childFail both exit the process")
	}

	// Parent.
	ossys.Close(writeFD)

	errno, context, readErr := readChildError(readFD)
	ossys.Close(readFD)
	if readErr != nil {
		reapKilled(pid, pidfd)
		return nil, readErr
	}
	if errno != 0 {
		reapKilled(pid, pidfd)
		return nil, &childSetupError{Errno: unix.Errno(errno), Context: context}
	}

	return waitWithTimeout(pid, pidfd, timeout)
}

// childSetupError carries what the pre-exec child reported over the
// error pipe before _exit: the failing call's errno plus its short
// context message.
type childSetupError struct {
	Errno   unix.Errno
	Context string
}

func (e *childSetupError) Error() string {
	return "sandbox child: " + e.Context + ": " + e.Errno.Error()
}

func (e *childSetupError) Unwrap() error { return e.Errno }

// readChildError reads up to 512 bytes from the pipe. Zero bytes read
// at EOF means execve succeeded (CLOEXEC closed the write end); any
// bytes read carry a 4-byte little-endian errno followed by a context
// message.
func readChildError(readFD int) (errno int32, context string, err error) {
	var buf [512]byte
	n, err := ossys.Read(readFD, buf[:])
	if err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", nil
	}
	if n < 4 {
		return 0, "", &shortReadError{n}
	}
	errno = int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
	context = string(buf[4:n])
	return errno, context, nil
}

type shortReadError struct{ n int }

func (e *shortReadError) Error() string {
	return "sandbox: short read on child error pipe"
}

// waitWithTimeout polls the pidfd for up to timeout, then waits for the
// child's exit status, per the parent's post-clone sequence.
func waitWithTimeout(pid, pidfd int, timeout time.Duration) (*Result, error) {
	timeoutMs := int(timeout.Milliseconds())
	if timeout <= 0 {
		timeoutMs = 0
	}

	fds := []unix.PollFd{{Fd: int32(pidfd), Events: unix.POLLIN}}
	n, err := ossys.Poll(fds, timeoutMs)
	if err != nil {
		reapKilled(pid, pidfd)
		return nil, err
	}
	if n == 0 {
		reapKilled(pid, pidfd)
		return nil, &usererror.TimeoutError{Timeout: timeout}
	}

	ossys.Close(pidfd)
	wstatus, err := ossys.Waitpid(pid)
	if err != nil {
		return nil, err
	}
	if wstatus.Exited() && wstatus.ExitStatus() == 0 {
		return &Result{Wstatus: wstatus}, nil
	}
	return nil, &usererror.TerminationError{Wstatus: int(wstatus)}
}

// reapKilled sends SIGKILL to pid and reaps it, used on timeout and on
// any failure path after the child has been cloned. The new PID
// namespace means the kernel reaps the child's own descendants; this
// only needs to reap the directly cloned child.
func reapKilled(pid, pidfd int) {
	ossys.Kill(pid, unix.SIGKILL)
	ossys.Waitpid(pid)
	if pidfd >= 0 {
		ossys.Close(pidfd)
	}
}

// resolveInitialDirPath implements an FD-to-path indirection: the child
// cannot fchdir to InitialDirFD because subsequent relative mount/chroot
// calls misbehave afterward, so the parent resolves /proc/self/fd/N to a
// real path here and the child chdir's to that string instead.
func (c *Command) resolveInitialDirPath() (string, error) {
	if c.InitialDirFD == nil {
		return "", nil
	}
	return ossys.Readlinkat(unix.AT_FDCWD, "/proc/self/fd/"+strconv.Itoa(*c.InitialDirFD))
}
