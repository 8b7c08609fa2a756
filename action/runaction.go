package action

import (
	"os"
	"strconv"

	"snowflake/sandbox"
	"snowflake/usererror"

	"golang.org/x/sys/unix"
)

// namespaceFlags is the fixed set of seven namespaces the run-action
// variant always requests: cgroup, IPC, net, mount, PID, user, UTS.
const namespaceFlags = unix.CLONE_NEWCGROUP |
	unix.CLONE_NEWIPC |
	unix.CLONE_NEWNET |
	unix.CLONE_NEWNS |
	unix.CLONE_NEWPID |
	unix.CLONE_NEWUSER |
	unix.CLONE_NEWUTS

// PerformRunAction runs d's program inside a sandbox built per the
// run-action configuration below and returns the resulting Status.
func (o *Orchestrator) PerformRunAction(d *Descriptor) Status {
	return o.PerformAction(d.Outputs, func(ac *Context) error {
		cmd := sandbox.New(d.Program, d.Argv, d.Env).
			WithNamespaces(namespaceFlags).
			WithPidfd().
			WithIDMaps("deny\n", uidMapLine(), gidMapLine()).
			WithInitialDirFD(ac.ScratchFD)

		// Mount op 1: convert the shared-mount subtree to private so
		// subsequent mounts don't propagate back out to the host.
		cmd.WithMount(sandbox.MountOp{
			Source: "none", Target: "/",
			Flags: unix.MS_PRIVATE | unix.MS_REC,
		})
		// Mount op 2: fresh procfs for this PID namespace.
		cmd.WithMount(sandbox.MountOp{
			Source: "proc", Target: "proc", Fstype: "proc",
			Flags: unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID,
		})
		// Read-only bind of /nix/store: MS_BIND|MS_RDONLY in one call is
		// silently ignored by the kernel, so this is two mount calls —
		// bind, then a remount adding MS_RDONLY.
		cmd.WithMount(sandbox.MountOp{
			Source: o.nixStoreHostPath(), Target: "nix/store",
			Flags: unix.MS_BIND | unix.MS_REC,
		})
		cmd.WithMount(sandbox.MountOp{
			Source: "none", Target: "nix/store",
			Flags: unix.MS_BIND | unix.MS_REC | unix.MS_RDONLY | unix.MS_REMOUNT,
		})

		cmd.WithChroot(".", "/build")
		cmd.WithStdio(
			sandbox.StdioDisposition{Kind: sandbox.StdioClose},
			sandbox.StdioDisposition{Kind: sandbox.StdioDup, Fd: ac.LogFD},
			sandbox.StdioDisposition{Kind: sandbox.StdioDup, Fd: ac.LogFD},
		)

		if _, err := cmd.Run(d.Timeout); err != nil {
			if _, ok := usererror.As(err); ok {
				return err
			}
			return &usererror.CommandSetupError{Cause: err}
		}
		return nil
	})
}

// nixStoreHostPath is the host path bind-mounted read-only into the
// sandbox at nix/store. It is always the real, unsandboxed /nix/store:
// the implicit dependencies resolved at build time (bash, coreutils)
// live under it.
func (o *Orchestrator) nixStoreHostPath() string {
	return "/nix/store"
}

func uidMapLine() string {
	return "0 " + strconv.Itoa(os.Getuid()) + " 1\n"
}

func gidMapLine() string {
	return "0 " + strconv.Itoa(os.Getgid()) + " 1\n"
}
