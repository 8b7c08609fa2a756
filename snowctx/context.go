// Package snowctx implements the Context: the state-directory manager
// that owns the scratch-directory and cached-outputs FDs, hands out
// fresh scratch directories, and atomically installs content-addressed
// outputs into the cache.
package snowctx

import (
	"fmt"
	"sync"

	"snowflake/filehash"
	"snowflake/ossys"

	"golang.org/x/sys/unix"
)

const (
	scratchesDir     = "scratches"
	cachedOutputsDir = "cached-outputs"
	dirMode          = 0o755
)

// Context owns a directory FD for the state root and lazily opens and
// caches FDs for its scratches/ and cached-outputs/ subdirectories. Every
// FD it exposes is valid for the Context's lifetime and closed exactly
// once on Close. Scratch FDs handed out by NewScratchDir are owned by
// the caller, not the Context.
//
// A single Context may be shared across concurrently running actions;
// scratch-ID allocation and lazy-FD initialization are serialized by mu.
type Context struct {
	mu sync.Mutex

	rootFD int
	root   string

	scratchesFD     int
	haveScratchesFD bool
	cachedFD        int
	haveCachedFD    bool

	nextScratch int

	// Index, if non-nil, records installed outputs for operator
	// inspection. It never participates in the hermetic pipeline itself
	// (see Index's doc comment).
	Index *Index
}

// Open creates stateDir if it does not exist and returns a Context
// rooted there. The scratches/ and cached-outputs/ subdirectories are
// created lazily, on first use.
func Open(stateDir string) (*Context, error) {
	if err := unix.Mkdir(stateDir, dirMode); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("snowctx: create state dir: %w", err)
	}
	fd, err := ossys.Openat(unix.AT_FDCWD, stateDir, unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return nil, fmt.Errorf("snowctx: open state dir: %w", err)
	}
	return &Context{rootFD: fd, root: stateDir}, nil
}

// Close closes every FD the Context owns: the root, and whichever of
// scratches/cached-outputs were lazily opened. Each is closed exactly
// once.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.haveScratchesFD {
		if err := ossys.Close(c.scratchesFD); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.haveCachedFD {
		if err := ossys.Close(c.cachedFD); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := ossys.Close(c.rootFD); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// scratchesFDLocked returns the cached scratches/ FD, creating the
// directory and opening it on first call. Caller must hold c.mu.
func (c *Context) scratchesFDLocked() (int, error) {
	if c.haveScratchesFD {
		return c.scratchesFD, nil
	}
	if err := ossys.Mkdirat(c.rootFD, scratchesDir, dirMode); err != nil && !isExist(err) {
		return -1, err
	}
	fd, err := ossys.Openat(c.rootFD, scratchesDir, unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return -1, err
	}
	c.scratchesFD = fd
	c.haveScratchesFD = true
	return fd, nil
}

// cachedOutputsFDLocked is the cached-outputs/ analogue of
// scratchesFDLocked.
func (c *Context) cachedOutputsFDLocked() (int, error) {
	if c.haveCachedFD {
		return c.cachedFD, nil
	}
	if err := ossys.Mkdirat(c.rootFD, cachedOutputsDir, dirMode); err != nil && !isExist(err) {
		return -1, err
	}
	fd, err := ossys.Openat(c.rootFD, cachedOutputsDir, unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return -1, err
	}
	c.cachedFD = fd
	c.haveCachedFD = true
	return fd, nil
}

// NewScratchDir creates scratches/<N> for a fresh monotonic N and
// returns it opened O_DIRECTORY|O_PATH. The caller owns the returned FD
// and must close it.
func (c *Context) NewScratchDir() (fd int, name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scratchesFD, err := c.scratchesFDLocked()
	if err != nil {
		return -1, "", err
	}

	// The counter starts at 0 for every Context, so a state directory
	// reused by an earlier Context may already hold low-numbered
	// scratches; skip over those instead of failing.
	for {
		name = fmt.Sprintf("%d", c.nextScratch)
		c.nextScratch++
		err = ossys.Mkdirat(scratchesFD, name, dirMode)
		if err == nil {
			break
		}
		if !isExist(err) {
			return -1, "", err
		}
	}
	fd, err = ossys.Openat(scratchesFD, name, unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return -1, "", err
	}
	return fd, name, nil
}

// StoreCachedOutput atomically renames the file at (fromDirfd, fromPath)
// into cached-outputs/<hex(hash)>, treating a pre-existing target
// (EEXIST under RENAME_NOREPLACE) as successful deduplication: the file
// already has that content, by construction of hash being its digest.
func (c *Context) StoreCachedOutput(hash filehash.Hash, fromDirfd int, fromPath string) error {
	debugCheckHash(hash, fromDirfd, fromPath)

	c.mu.Lock()
	cachedFD, err := c.cachedOutputsFDLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	name := hash.Hex()
	err = ossys.Renameat2(fromDirfd, fromPath, cachedFD, name, unix.RENAME_NOREPLACE)
	if err == nil {
		if c.Index != nil {
			c.Index.RecordInstalled(hash)
		}
		return nil
	}
	if isExist(err) {
		if c.Index != nil {
			c.Index.RecordInstalled(hash)
		}
		return nil
	}
	return err
}

// CachedOutputsFD returns the cached-outputs/ directory FD, for readers
// such as the inspect operation that need to stat entries directly.
func (c *Context) CachedOutputsFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedOutputsFDLocked()
}

func isExist(err error) bool {
	if errno, ok := err.(unix.Errno); ok {
		return errno == unix.EEXIST
	}
	if w, ok := err.(interface{ Unwrap() error }); ok {
		return isExist(w.Unwrap())
	}
	return false
}
