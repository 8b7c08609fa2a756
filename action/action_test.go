package action

import (
	"errors"
	"path/filepath"
	"testing"

	"snowflake/snowctx"
	"snowflake/usererror"

	"golang.org/x/sys/unix"
)

func openTestContext(t *testing.T) *snowctx.Context {
	t.Helper()
	ctx, err := snowctx.Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("snowctx.Open: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestPerformActionBuildsSkeletonAndInstallsOutputs(t *testing.T) {
	ctx := openTestContext(t)
	orch := &Orchestrator{Ctx: ctx}

	status := orch.PerformAction([]string{"out.txt"}, func(ac *Context) error {
		fd, err := unix.Openat(ac.ScratchFD, "outputs/out.txt", unix.O_CREAT|unix.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer unix.Close(fd)
		_, err = unix.Write(fd, []byte("payload"))
		return err
	})
	if status.Kind != StatusSuccess {
		t.Fatalf("status = %+v, want Success", status)
	}
}

func TestPerformActionPropagatesActionCodeFailure(t *testing.T) {
	ctx := openTestContext(t)
	orch := &Orchestrator{Ctx: ctx}

	wantErr := errors.New("boom")
	status := orch.PerformAction(nil, func(ac *Context) error {
		return wantErr
	})
	if status.Kind != StatusFailure {
		t.Fatalf("status.Kind = %v, want Failure", status.Kind)
	}
	if status.Cause != wantErr {
		t.Errorf("Cause = %v, want %v", status.Cause, wantErr)
	}
}

func TestPerformActionMissingDeclaredOutputIsUserError(t *testing.T) {
	ctx := openTestContext(t)
	orch := &Orchestrator{Ctx: ctx}

	status := orch.PerformAction([]string{"missing.o"}, func(ac *Context) error {
		return nil
	})
	if status.Kind != StatusFailure {
		t.Fatalf("status.Kind = %v, want Failure", status.Kind)
	}
	oe, ok := status.Cause.(*usererror.OutputsInaccessibleError)
	if !ok {
		t.Fatalf("Cause = %v (%T), want *usererror.OutputsInaccessibleError", status.Cause, status.Cause)
	}
	if _, ok := oe.Causes["missing.o"]; !ok {
		t.Errorf("Causes = %v, want an entry for missing.o", oe.Causes)
	}
}

func TestPerformActionDeletedOutputsDirIsUserError(t *testing.T) {
	ctx := openTestContext(t)
	orch := &Orchestrator{Ctx: ctx}

	status := orch.PerformAction(nil, func(ac *Context) error {
		return unix.Unlinkat(ac.ScratchFD, "outputs", unix.AT_REMOVEDIR)
	})
	if status.Kind != StatusFailure {
		t.Fatalf("status.Kind = %v, want Failure", status.Kind)
	}
	if _, ok := status.Cause.(*usererror.OutputsDirectoryInaccessibleError); !ok {
		t.Fatalf("Cause = %v (%T), want *usererror.OutputsDirectoryInaccessibleError", status.Cause, status.Cause)
	}
}

func TestPerformActionCollectsEveryBadOutputAtOnce(t *testing.T) {
	ctx := openTestContext(t)
	orch := &Orchestrator{Ctx: ctx}

	status := orch.PerformAction([]string{"a.o", "b.o"}, func(ac *Context) error {
		return nil
	})
	oe, ok := status.Cause.(*usererror.OutputsInaccessibleError)
	if !ok {
		t.Fatalf("Cause = %v (%T), want *usererror.OutputsInaccessibleError", status.Cause, status.Cause)
	}
	if len(oe.Causes) != 2 {
		t.Errorf("Causes has %d entries, want 2 (both bad outputs reported, not short-circuited)", len(oe.Causes))
	}
}

func TestPerformActionUsesInjectedLogScanner(t *testing.T) {
	ctx := openTestContext(t)
	called := false
	orch := &Orchestrator{
		Ctx: ctx,
		LogScanner: func(logPath string) (bool, error) {
			called = true
			return true, nil
		},
	}

	status := orch.PerformAction(nil, func(ac *Context) error { return nil })
	if !called {
		t.Error("LogScanner was not invoked")
	}
	if status.Kind != StatusWarning {
		t.Errorf("status.Kind = %v, want Warning", status.Kind)
	}
}

func TestPerformActionDefaultLogScannerNeverFlagsWarning(t *testing.T) {
	ctx := openTestContext(t)
	orch := &Orchestrator{Ctx: ctx}

	status := orch.PerformAction(nil, func(ac *Context) error { return nil })
	if status.Kind != StatusSuccess {
		t.Errorf("status.Kind = %v, want Success with the default no-op scanner", status.Kind)
	}
}
