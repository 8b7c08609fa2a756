//go:build integration

package action

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"snowflake/filehash"
	"snowflake/snowctx"
	"snowflake/usererror"

	"golang.org/x/sys/unix"
)

// newTestOrchestrator requires real bin/bash and bin/env somewhere on the
// host. BASH_PATH/COREUTILS_PATH are pointed straight at the root
// filesystem (rather than a Nix store) so the test doesn't depend on one
// being installed: "" + "/bin/bash" resolves to /bin/bash, and "/usr" +
// "/bin/env" resolves to /usr/bin/env. It skips instead of failing when
// user namespaces are unavailable, mirroring
// sandbox.requireUserNamespaces.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *snowctx.Context, string) {
	t.Helper()
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skipf("/bin/bash not present: %v", err)
	}
	if _, err := os.Stat("/usr/bin/env"); err != nil {
		t.Skipf("/usr/bin/env not present: %v", err)
	}

	stateDir := filepath.Join(t.TempDir(), "state")
	ctx, err := snowctx.Open(stateDir)
	if err != nil {
		t.Fatalf("snowctx.Open: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })

	orch := &Orchestrator{Ctx: ctx, BashPath: "", CoreutilsPath: "/usr"}

	status := orch.PerformRunAction(&Descriptor{
		Program: "/bin/sh",
		Argv:    []string{"sh", "-c", "true"},
		Outputs: nil,
		Timeout: 5 * time.Second,
	})
	if status.Kind == StatusFailure {
		if _, ok := status.Cause.(*usererror.CommandSetupError); ok {
			t.Skipf("sandbox construction unavailable in this environment: %v", status.Cause)
		}
	}
	return orch, ctx, stateDir
}

func TestPerformRunActionHelloWorld(t *testing.T) {
	orch, _, stateDir := newTestOrchestrator(t)

	status := orch.PerformRunAction(&Descriptor{
		Program: "/bin/sh",
		Argv:    []string{"sh", "-c", "echo hi > /outputs/m.o"},
		Outputs: []string{"m.o"},
		Timeout: 5 * time.Second,
	})
	if status.Kind != StatusSuccess {
		t.Fatalf("status = %+v, want Success", status)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hi"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wantHash, err := filehash.HashAt(dirFD(t, dir), "hi")
	if err != nil {
		t.Fatal(err)
	}

	installed := filepath.Join(stateDir, "cached-outputs", wantHash.Hex())
	got, err := os.ReadFile(installed)
	if err != nil {
		t.Fatalf("cached output not found at %s: %v", installed, err)
	}
	if string(got) != "hi\n" {
		t.Errorf("cached output content = %q, want %q", got, "hi\n")
	}
	st, err := os.Stat(installed)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o644 {
		t.Errorf("cached output mode = %v, want 0644", st.Mode().Perm())
	}
}

func dirFD(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Open(path, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestPerformRunActionTimeout(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	status := orch.PerformRunAction(&Descriptor{
		Program: "/bin/sh",
		Argv:    []string{"sh", "-c", "sleep 10"},
		Outputs: nil,
		Timeout: 100 * time.Millisecond,
	})
	if status.Kind != StatusFailure {
		t.Fatalf("status.Kind = %v, want Failure", status.Kind)
	}
	if _, ok := status.Cause.(*usererror.TimeoutError); !ok {
		t.Fatalf("Cause = %v (%T), want *usererror.TimeoutError", status.Cause, status.Cause)
	}
}

func TestPerformRunActionNonZeroExit(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	status := orch.PerformRunAction(&Descriptor{
		Program: "/bin/sh",
		Argv:    []string{"sh", "-c", "exit 7"},
		Outputs: nil,
		Timeout: 5 * time.Second,
	})
	if status.Kind != StatusFailure {
		t.Fatalf("status.Kind = %v, want Failure", status.Kind)
	}
	te, ok := status.Cause.(*usererror.TerminationError)
	if !ok {
		t.Fatalf("Cause = %v (%T), want *usererror.TerminationError", status.Cause, status.Cause)
	}
	if unix.WaitStatus(te.Wstatus).ExitStatus() != 7 {
		t.Errorf("ExitStatus = %d, want 7", unix.WaitStatus(te.Wstatus).ExitStatus())
	}
}

func TestPerformRunActionMissingOutput(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	status := orch.PerformRunAction(&Descriptor{
		Program: "/bin/sh",
		Argv:    []string{"sh", "-c", "true"},
		Outputs: []string{"m.o"},
		Timeout: 5 * time.Second,
	})
	if status.Kind != StatusFailure {
		t.Fatalf("status.Kind = %v, want Failure", status.Kind)
	}
	oe, ok := status.Cause.(*usererror.OutputsInaccessibleError)
	if !ok {
		t.Fatalf("Cause = %v (%T), want *usererror.OutputsInaccessibleError", status.Cause, status.Cause)
	}
	if _, ok := oe.Causes["m.o"]; !ok {
		t.Errorf("Causes = %v, want an entry for m.o", oe.Causes)
	}
}

func TestPerformRunActionDuplicateInsert(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	run := func() Status {
		return orch.PerformRunAction(&Descriptor{
			Program: "/bin/sh",
			Argv:    []string{"sh", "-c", "echo hi > /outputs/m.o"},
			Outputs: []string{"m.o"},
			Timeout: 5 * time.Second,
		})
	}

	if s := run(); s.Kind != StatusSuccess {
		t.Fatalf("first run: %+v", s)
	}
	if s := run(); s.Kind != StatusSuccess {
		t.Fatalf("second run with identical output should dedup, got: %+v", s)
	}
}
