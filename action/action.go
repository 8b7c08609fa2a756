package action

import (
	"fmt"

	"snowflake/dlog"
	"snowflake/filehash"
	"snowflake/ossys"
	"snowflake/snowctx"
	"snowflake/usererror"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// scratchLogPath resolves the build.log file inside a scratch directory
// to a real path, via the /proc/self/fd indirection also used by the
// sandbox's initial-directory chdir (see sandbox.Command.Run). A
// LogScanner needs a path, not an FD, since the scanning algorithm is
// an external collaborator's choice of tool.
func scratchLogPath(scratchFD int) string {
	return fmt.Sprintf("/proc/self/fd/%d/build.log", scratchFD)
}

// Skeleton mode bits: everything 0755 except proc, which is 0555.
const (
	modeDir     = 0o755
	modeProcDir = 0o555
	modeLog     = 0o644
)

// LogScanner is an injectable warning-detection hook: the detection
// algorithm itself is deliberately left unimplemented, so the
// orchestrator exposes this seam and defaults to a no-op rather than
// guessing semantics.
type LogScanner func(logPath string) (hasWarning bool, err error)

func noopLogScanner(string) (bool, error) { return false, nil }

// Orchestrator performs actions against a single Context. BashPath and
// CoreutilsPath are the build-time-resolved implicit-dependency roots
// (see config package); LogScanner defaults to a no-op if nil. Logger
// defaults to dlog.NoOp; when set, every invocation is tagged with a
// UUID for log correlation between the engine's own diagnostics and
// the action's build.log header.
type Orchestrator struct {
	Ctx           *snowctx.Context
	BashPath      string
	CoreutilsPath string
	LogScanner    LogScanner
	Logger        dlog.Logger
}

// PerformAction runs actionCode inside a freshly constructed scratch
// directory, hashes every declared output, and installs each into the
// cache.
func (o *Orchestrator) PerformAction(outputs []string, actionCode Code) Status {
	scanner := o.LogScanner
	if scanner == nil {
		scanner = noopLogScanner
	}
	logger := o.Logger
	if logger == nil {
		logger = dlog.NoOp{}
	}
	invocation := uuid.New()

	scratchFD, scratchName, err := o.Ctx.NewScratchDir()
	if err != nil {
		return Status{Kind: StatusFailure, Cause: fmt.Errorf("new scratch dir: %w", err)}
	}
	defer ossys.Close(scratchFD)
	logger.Info("action %s: scratch dir %s", invocation, scratchName)

	if err := buildSkeleton(scratchFD, o.BashPath, o.CoreutilsPath); err != nil {
		logger.Error("action %s: skeleton setup failed: %v", invocation, err)
		return Status{Kind: StatusFailure, Cause: &usererror.CommandSetupError{Cause: err}}
	}

	logFD, err := ossys.Openat(scratchFD, "build.log", unix.O_CREAT|unix.O_RDWR, modeLog)
	if err != nil {
		return Status{Kind: StatusFailure, Cause: &usererror.CommandSetupError{Cause: err}}
	}
	defer ossys.Close(logFD)
	ossys.Write(logFD, []byte(fmt.Sprintf("# snowflake action %s\n", invocation)))

	actionCtx := &Context{ScratchFD: scratchFD, LogFD: logFD}
	if err := actionCode(actionCtx); err != nil {
		logger.Warn("action %s: action code failed: %v", invocation, err)
		return Status{Kind: StatusFailure, Log: readLog(scratchFD), Cause: err}
	}

	outputsFD, err := ossys.Openat(scratchFD, "outputs", unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return Status{
			Kind:  StatusFailure,
			Log:   readLog(scratchFD),
			Cause: &usererror.OutputsDirectoryInaccessibleError{Cause: err},
		}
	}
	defer ossys.Close(outputsFD)

	hashes := make(map[string]filehash.Hash, len(outputs))
	causes := make(map[string]error)
	for _, out := range outputs {
		h, err := filehash.HashAt(outputsFD, out)
		if err != nil {
			causes[out] = err
			continue
		}
		hashes[out] = h
	}
	if len(causes) > 0 {
		return Status{
			Kind:  StatusFailure,
			Log:   readLog(scratchFD),
			Cause: &usererror.OutputsInaccessibleError{Causes: causes},
		}
	}

	for _, out := range outputs {
		if err := o.Ctx.StoreCachedOutput(hashes[out], outputsFD, out); err != nil {
			return Status{Kind: StatusFailure, Log: readLog(scratchFD), Cause: fmt.Errorf("store cached output %s: %w", out, err)}
		}
	}

	if hasWarning, _ := scanner(scratchLogPath(scratchFD)); hasWarning {
		logger.Info("action %s: succeeded with warnings", invocation)
		return Status{Kind: StatusWarning, Log: readLog(scratchFD)}
	}
	logger.Info("action %s: succeeded", invocation)
	return Status{Kind: StatusSuccess}
}

// buildSkeleton creates the minimal sandbox filesystem view: bin/,
// nix/store/, proc/, usr/bin/, build/, outputs/, plus the
// implicit-dependency symlinks bin/sh and usr/bin/env.
func buildSkeleton(scratchFD int, bashPath, coreutilsPath string) error {
	dirs := []struct {
		path string
		mode uint32
	}{
		{"bin", modeDir},
		{"nix", modeDir},
		{"nix/store", modeDir},
		{"proc", modeProcDir},
		{"usr", modeDir},
		{"usr/bin", modeDir},
		{"build", modeDir},
		{"outputs", modeDir},
	}
	for _, d := range dirs {
		if err := ossys.Mkdirat(scratchFD, d.path, d.mode); err != nil {
			return fmt.Errorf("mkdir %s: %w", d.path, err)
		}
	}

	if err := ossys.Symlinkat(bashPath+"/bin/bash", scratchFD, "bin/sh"); err != nil {
		return fmt.Errorf("symlink bin/sh: %w", err)
	}
	if err := ossys.Symlinkat(coreutilsPath+"/bin/env", scratchFD, "usr/bin/env"); err != nil {
		return fmt.Errorf("symlink usr/bin/env: %w", err)
	}
	return nil
}

// readLog best-effort reads build.log for inclusion in a Failure
// status; a read failure here must never mask the real cause, so errors
// are swallowed into an empty log.
func readLog(scratchFD int) string {
	fd, err := ossys.Openat(scratchFD, "build.log", unix.O_RDONLY, 0)
	if err != nil {
		return ""
	}
	defer ossys.Close(fd)

	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := ossys.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return string(out)
}
