// Package ossys is a thin, CLOEXEC-safe layer over the Linux syscalls the
// sandbox and hasher need. It differs from raw golang.org/x/sys/unix calls
// in three contractual ways: failures are reported as a structured *Error
// carrying errno and a short context string; callers need not
// null-terminate strings; every call that creates a file descriptor sets
// close-on-exec atomically.
//
// The direct dup(2) operation is deliberately not exposed: it cannot set
// CLOEXEC atomically. Only Fcntl's F_DUPFD_CLOEXEC path is.
package ossys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error wraps an errno with a short description of the call that
// produced it. It is an infrastructure error, not a UserError: callers
// that need to surface it to an end user rewrap it (e.g. into
// usererror.CommandSetupError).
type Error struct {
	Op    string
	Errno unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

func (e *Error) Unwrap() error { return e.Errno }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Op: op, Errno: errno}
}

// Openat opens path relative to dirfd, forcing O_CLOEXEC into flags.
func Openat(dirfd int, path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Openat(dirfd, path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, wrap("openat "+path, err)
	}
	return fd, nil
}

// Mkdirat creates a directory relative to dirfd.
func Mkdirat(dirfd int, path string, mode uint32) error {
	return wrap("mkdirat "+path, unix.Mkdirat(dirfd, path, mode))
}

// Symlinkat creates a symlink at (newdirfd, newpath) pointing to target.
func Symlinkat(target string, newdirfd int, newpath string) error {
	return wrap("symlinkat "+newpath, unix.Symlinkat(target, newdirfd, newpath))
}

// Readlinkat reads the target of a symlink relative to dirfd.
func Readlinkat(dirfd int, path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(dirfd, path, buf)
	if err != nil {
		return "", wrap("readlinkat "+path, err)
	}
	return string(buf[:n]), nil
}

// Fstatat stats path relative to dirfd without following a trailing
// symlink (AT_SYMLINK_NOFOLLOW is always set, matching the hasher's
// never-follow-symlinks contract).
func Fstatat(dirfd int, path string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(dirfd, path, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, wrap("fstatat "+path, err)
	}
	return &st, nil
}

// Renameat2 renames (olddirfd, oldpath) to (newdirfd, newpath) with the
// given flags, e.g. unix.RENAME_NOREPLACE for atomic content-addressed
// installs.
func Renameat2(olddirfd int, oldpath string, newdirfd int, newpath string, flags uint) error {
	return wrap("renameat2 "+oldpath+"->"+newpath, unix.Renameat2(olddirfd, oldpath, newdirfd, newpath, flags))
}

// Dir is an open directory being iterated via Readdirnames. It owns its file
// descriptor, which is duplicated (CLOEXEC) from the one passed in, so
// the caller's fd and this Dir can be closed independently.
type Dir struct {
	fd   int
	name string
}

// Fdopendir begins iterating the directory referenced by dirfd. The
// caller retains ownership of dirfd; Fdopendir duplicates it.
func Fdopendir(dirfd int, name string) (*Dir, error) {
	dupfd, err := DupCloexec(dirfd)
	if err != nil {
		return nil, err
	}
	return &Dir{fd: dupfd, name: name}, nil
}

// Readdirnames returns every entry name in the directory except "." and
// "..", in whatever order the kernel yields them (callers that need
// lexicographic order, e.g. the file hasher, sort the result
// themselves). It consumes the directory stream; call it at most once
// per Dir.
func (d *Dir) Readdirnames() ([]string, error) {
	var names []string
	buf := make([]byte, 8192)
	for {
		n, err := unix.Getdents(d.fd, buf)
		if err != nil {
			return nil, wrap("getdents "+d.name, err)
		}
		if n == 0 {
			break
		}
		_, _, entries := unix.ParseDirent(buf[:n], -1, names)
		names = entries
	}
	out := names[:0:0]
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (d *Dir) Close() error {
	return wrap("closedir "+d.name, unix.Close(d.fd))
}

// Pipe2 creates a pipe with both ends CLOEXEC, per the OS-wrapper
// contract. Flags may additionally carry O_NONBLOCK etc.
func Pipe2(flags int) (r, w int, err error) {
	var fds [2]int
	if e := unix.Pipe2(fds[:], flags|unix.O_CLOEXEC); e != nil {
		return -1, -1, wrap("pipe2", e)
	}
	return fds[0], fds[1], nil
}

// Poll waits on fds for up to timeoutMs milliseconds (-1 blocks
// indefinitely, 0 returns immediately).
func Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return n, wrap("poll", err)
	}
	return n, nil
}

// Read reads from fd into buf.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return n, wrap("read", err)
	}
	return n, nil
}

// Write writes buf to fd.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return n, wrap("write", err)
	}
	return n, nil
}

// Close closes fd.
func Close(fd int) error {
	return wrap("close", unix.Close(fd))
}

// Kill sends sig to pid.
func Kill(pid int, sig unix.Signal) error {
	return wrap("kill", unix.Kill(pid, sig))
}

// Waitpid waits for pid, returning its wait status.
func Waitpid(pid int) (wstatus unix.WaitStatus, err error) {
	_, err = unix.Wait4(pid, &wstatus, 0, nil)
	if err != nil {
		return wstatus, wrap("waitpid", err)
	}
	return wstatus, nil
}

// Chdir changes the calling process's (or, in the pre-exec child, its
// own) working directory.
func Chdir(path string) error {
	return wrap("chdir "+path, unix.Chdir(path))
}

// Chroot changes the root directory.
func Chroot(path string) error {
	return wrap("chroot "+path, unix.Chroot(path))
}

// Mount is a direct pass-through to mount(2); nulls in src/fstype/data
// are permitted, matching the mount(2) contract Mount op describes.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	return wrap("mount "+target, unix.Mount(source, target, fstype, flags, data))
}

// Unshare disassociates the calling thread from shared execution
// context per the given namespace flags.
func Unshare(flags int) error {
	return wrap("unshare", unix.Unshare(flags))
}

// DupCloexec duplicates fd to the lowest available descriptor with
// CLOEXEC set atomically. This is the only "dup" operation exposed by
// this package; plain dup(2)/dup2(2) cannot set CLOEXEC atomically and
// are never exposed.
func DupCloexec(fd int) (int, error) {
	newfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, wrap("fcntl F_DUPFD_CLOEXEC", err)
	}
	return newfd, nil
}
