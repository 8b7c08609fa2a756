//go:build linux

package sandbox

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysCloneNr is the clone3 syscall number on amd64. This engine targets
// Linux/x86_64 only; no portability shim is attempted.
const sysCloneNr = 435

// preparedChild holds everything the child needs, pre-serialized in the
// parent so the window between clone3 and execve never allocates.
type preparedChild struct {
	program string
	argv    []string
	envp    []string

	setgroups string
	uidMap    string
	gidMap    string

	initialDirPath string

	mounts []MountOp

	chrootPath      string
	postChrootChdir string

	stdin, stdout, stderr StdioDisposition

	errPipeWrite int
}

// rawClone3 invokes clone3(2) directly, requesting a pidfd when
// requestPidfd is set. It returns, in the parent, the child's pid and
// (if requested) its pidfd; in the child, it returns pid == 0.
//
// This calls the syscall directly rather than going through
// syscall.ForkExec/os/exec's Cloneflags path because the orchestrator
// needs the raw pidfd and an exact mount/chroot/execve sequence, not a
// generic fork+exec. The calling goroutine
// must have called runtime.LockOSThread before invoking this, and the
// child must not touch the Go runtime (no allocation, no channel, no
// goroutine switch) before execve.
func rawClone3(flags int, exitSignal int, requestPidfd bool) (pid int, pidfd int, err error) {
	var args clone3Args
	args.Flags = uint64(flags)
	args.ExitSignal = uint64(exitSignal)

	var pidfdOut int32
	if requestPidfd {
		args.Flags |= unix.CLONE_PIDFD
		args.Pidfd = uint64(uintptr(unsafe.Pointer(&pidfdOut)))
	}

	r1, _, errno := unix.RawSyscall(sysCloneNr, uintptr(unsafe.Pointer(&args)), unsafe.Sizeof(args), 0)
	if errno != 0 {
		return 0, -1, errno
	}
	return int(r1), int(pidfdOut), nil
}

// runChildPreExec performs the async-signal-safe pre-exec sequence:
// close the error pipe's read end, apply id maps, chdir, mount, chroot,
// post-chroot chdir, stdio, execve. It must not allocate on the heap, unwind,
// or dynamically dispatch; every string and slice it touches was
// pre-built by the parent before clone3. On any failure it writes errno
// plus a short context message to the error pipe and exits the process
// with status 1; on success it execve's and never returns.
//
// Go's runtime makes a literal "no allocation" guarantee unenforceable
// here (this is ordinary, GC-managed Go, not a leaf assembly routine);
// the discipline instead is: touch only pre-serialized data, make only
// direct syscalls, and never call back into anything that might block
// on another goroutine or a lock held by a different, absent thread in
// the cloned process image.
func runChildPreExec(c *preparedChild) {
	// 1. Close the read end of the error pipe -- done by the caller
	// before this function is invoked, since the read end's fd number
	// is parent-only state.

	// 2. Write ID maps.
	if c.setgroups != "" {
		if err := writeProcSelfFile("setgroups", c.setgroups); err != nil {
			childFail(c.errPipeWrite, err, "write /proc/self/setgroups")
		}
	}
	if c.uidMap != "" {
		if err := writeProcSelfFile("uid_map", c.uidMap); err != nil {
			childFail(c.errPipeWrite, err, "write /proc/self/uid_map")
		}
	}
	if c.gidMap != "" {
		if err := writeProcSelfFile("gid_map", c.gidMap); err != nil {
			childFail(c.errPipeWrite, err, "write /proc/self/gid_map")
		}
	}

	// 3. chdir to the pre-resolved initial directory path.
	if c.initialDirPath != "" {
		if err := unix.Chdir(c.initialDirPath); err != nil {
			childFail(c.errPipeWrite, err, "chdir initial dir")
		}
	}

	// 4. Apply mounts in recorded order.
	for _, m := range c.mounts {
		if err := unix.Mount(m.Source, m.Target, m.Fstype, m.Flags, m.Data); err != nil {
			childFail(c.errPipeWrite, err, "mount "+m.Target)
		}
	}

	// 5. chroot.
	if c.chrootPath != "" {
		if err := unix.Chroot(c.chrootPath); err != nil {
			childFail(c.errPipeWrite, err, "chroot")
		}
	}

	// 6. Post-chroot chdir.
	if c.postChrootChdir != "" {
		if err := unix.Chdir(c.postChrootChdir); err != nil {
			childFail(c.errPipeWrite, err, "post-chroot chdir")
		}
	}

	// 7. Stdio dispositions.
	if err := applyStdio(0, c.stdin); err != nil {
		childFail(c.errPipeWrite, err, "stdin disposition")
	}
	if err := applyStdio(1, c.stdout); err != nil {
		childFail(c.errPipeWrite, err, "stdout disposition")
	}
	if err := applyStdio(2, c.stderr); err != nil {
		childFail(c.errPipeWrite, err, "stderr disposition")
	}

	// 8. execve. On success this never returns; the write end of the
	// error pipe is closed by the kernel via CLOEXEC.
	err := unix.Exec(c.program, c.argv, c.envp)
	childFail(c.errPipeWrite, err, "execve")
}

func applyStdio(target int, d StdioDisposition) error {
	switch d.Kind {
	case StdioInherit:
		return nil
	case StdioClose:
		return unix.Close(target)
	case StdioDup:
		return unix.Dup2(d.Fd, target)
	default:
		return unix.EINVAL
	}
}

func writeProcSelfFile(name, contents string) error {
	fd, err := unix.Open("/proc/self/"+name, unix.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, []byte(contents))
	return err
}

// childFail writes a 4-byte errno followed by a context message
// (truncated to 508 bytes so the whole message fits the parent's
// single 512-byte read) and exits the process. It never returns.
func childFail(pipeWrite int, err error, context string) {
	errno := unix.EIO
	if e, ok := err.(unix.Errno); ok {
		errno = e
	}

	var buf [4 + 508]byte
	buf[0] = byte(errno)
	buf[1] = byte(errno >> 8)
	buf[2] = byte(errno >> 16)
	buf[3] = byte(errno >> 24)
	msg := context
	if len(msg) > 508 {
		msg = msg[:508]
	}
	n := copy(buf[4:], msg)

	unix.Write(pipeWrite, buf[:4+n])
	unix.Exit(1)
}
