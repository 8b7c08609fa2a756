package snowctx

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"snowflake/filehash"

	"golang.org/x/sys/unix"
)

func openContext(t *testing.T) (*Context, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	ctx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx, dir
}

func TestOpenCreatesStateDir(t *testing.T) {
	_, dir := openContext(t)
	st, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
	if !st.IsDir() {
		t.Fatal("state dir path is not a directory")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ctx1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	ctx1.Close()

	ctx2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open on an existing state dir: %v", err)
	}
	ctx2.Close()
}

func TestNewScratchDirMonotonicallyIncreases(t *testing.T) {
	ctx, dir := openContext(t)

	fd1, name1, err := ctx.NewScratchDir()
	if err != nil {
		t.Fatalf("NewScratchDir: %v", err)
	}
	defer unix.Close(fd1)

	fd2, name2, err := ctx.NewScratchDir()
	if err != nil {
		t.Fatalf("NewScratchDir: %v", err)
	}
	defer unix.Close(fd2)

	if name1 == name2 {
		t.Errorf("two scratch dirs got the same name %q", name1)
	}
	n1, err1 := strconv.Atoi(name1)
	n2, err2 := strconv.Atoi(name2)
	if err1 != nil || err2 != nil || n2 <= n1 {
		t.Errorf("scratch names %q, %q are not increasing integers", name1, name2)
	}
	for _, name := range []string{name1, name2} {
		if _, err := os.Stat(filepath.Join(dir, "scratches", name)); err != nil {
			t.Errorf("scratch dir %s not created on disk: %v", name, err)
		}
	}
}

func TestStoreCachedOutputInstallsFile(t *testing.T) {
	ctx, dir := openContext(t)

	scratchFD, _, err := ctx.NewScratchDir()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(scratchFD)

	content := []byte("hi\n")
	if err := unix.Mkdirat(scratchFD, "outputs", 0o755); err != nil {
		t.Fatal(err)
	}
	outFD, err := unix.Openat(scratchFD, "outputs", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(outFD)

	fd, err := unix.Openat(outFD, "m.o", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(fd, content); err != nil {
		t.Fatal(err)
	}
	unix.Close(fd)

	hash, err := filehash.HashAt(outFD, "m.o")
	if err != nil {
		t.Fatal(err)
	}

	if err := ctx.StoreCachedOutput(hash, outFD, "m.o"); err != nil {
		t.Fatalf("StoreCachedOutput: %v", err)
	}

	installed := filepath.Join(dir, "cached-outputs", hash.Hex())
	got, err := os.ReadFile(installed)
	if err != nil {
		t.Fatalf("installed output not found: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("installed content = %q, want %q", got, content)
	}
	st, err := os.Stat(installed)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o644 {
		t.Errorf("installed mode = %v, want 0644", st.Mode().Perm())
	}
}

func TestStoreCachedOutputDuplicateInsertSucceeds(t *testing.T) {
	ctx, _ := openContext(t)

	store := func(content []byte) error {
		scratchFD, _, err := ctx.NewScratchDir()
		if err != nil {
			return err
		}
		defer unix.Close(scratchFD)

		if err := unix.Mkdirat(scratchFD, "outputs", 0o755); err != nil {
			return err
		}
		outFD, err := unix.Openat(scratchFD, "outputs", unix.O_DIRECTORY|unix.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer unix.Close(outFD)

		fd, err := unix.Openat(outFD, "m.o", unix.O_CREAT|unix.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := unix.Write(fd, content); err != nil {
			return err
		}
		unix.Close(fd)

		hash, err := filehash.HashAt(outFD, "m.o")
		if err != nil {
			return err
		}
		return ctx.StoreCachedOutput(hash, outFD, "m.o")
	}

	content := []byte("hi\n")
	if err := store(content); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := store(content); err != nil {
		t.Fatalf("second store of identical content should succeed (dedup), got: %v", err)
	}
}

func TestIndexRecordsInstalledOutputs(t *testing.T) {
	ctx, dir := openContext(t)
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()
	ctx.Index = idx

	scratchFD, _, err := ctx.NewScratchDir()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(scratchFD)
	if err := unix.Mkdirat(scratchFD, "outputs", 0o755); err != nil {
		t.Fatal(err)
	}
	outFD, err := unix.Openat(scratchFD, "outputs", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(outFD)
	fd, err := unix.Openat(outFD, "m.o", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	unix.Write(fd, []byte("x"))
	unix.Close(fd)

	hash, err := filehash.HashAt(outFD, "m.o")
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.StoreCachedOutput(hash, outFD, "m.o"); err != nil {
		t.Fatal(err)
	}

	found, err := idx.Has(hash.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("index does not contain the just-installed hash")
	}

	records, err := idx.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("List() returned %d records, want 1", len(records))
	}
}

func TestCloseClosesAllOwnedFDs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ctx, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Force scratches/ and cached-outputs/ to be lazily opened.
	fd, _, err := ctx.NewScratchDir()
	if err != nil {
		t.Fatal(err)
	}
	unix.Close(fd)
	if _, err := ctx.CachedOutputsFD(); err != nil {
		t.Fatal(err)
	}

	owned := []int{ctx.rootFD, ctx.scratchesFD, ctx.cachedFD}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, fd := range owned {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != unix.EBADF {
			t.Errorf("fd %d still open after Close (fcntl error = %v, want EBADF)", fd, err)
		}
	}
	// Close does not record that it already ran, so a second call would
	// close these FD numbers again; it is not exercised here.
}
