// Package filehash implements the recursive content-addressed file/tree
// hash used to key cache entries and name stored outputs: a canonical
// byte encoding of a filesystem subtree, fed into BLAKE3. Symlinks are
// never followed; their target strings are hashed verbatim.
package filehash

import (
	"encoding/binary"
	"fmt"
	"sort"

	"snowflake/ossys"

	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// Hex renders h as lowercase hex, the form used for cache-entry names.
func (h Hash) Hex() string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 64)
	for i, b := range h {
		buf[i*2] = digits[b>>4]
		buf[i*2+1] = digits[b&0xf]
	}
	return string(buf)
}

const (
	kindRegular   = 0x00
	kindDirectory = 0x01
	kindSymlink   = 0x02
)

// HashAt hashes the file or directory at (dirfd, path) per the canonical
// encoding: a 0x00/0x01/0x02 kind byte, the permission bits for regular
// files and directories, and a type-specific payload. It is a pure
// function of file contents: no timestamps, owners, or paths are mixed
// in anywhere in the encoding.
func HashAt(dirfd int, path string) (Hash, error) {
	h := blake3.New(32, nil)
	if err := encode(h, dirfd, path); err != nil {
		return Hash{}, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// encode writes the canonical encoding of (dirfd, path) to w, recursing
// into directories. Symlinks are detected via AT_SYMLINK_NOFOLLOW stat
// and never dereferenced.
func encode(w writer, dirfd int, path string) error {
	st, err := ossys.Fstatat(dirfd, path)
	if err != nil {
		return err
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		return encodeSymlink(w, dirfd, path)
	case unix.S_IFDIR:
		return encodeDirectory(w, dirfd, path, st)
	case unix.S_IFREG:
		return encodeRegular(w, dirfd, path, st)
	default:
		return fmt.Errorf("filehash: unsupported file kind for %q (mode %o)", path, st.Mode)
	}
}

type writer interface {
	Write(p []byte) (int, error)
}

func encodeRegular(w writer, dirfd int, path string, st *unix.Stat_t) error {
	if _, err := w.Write([]byte{kindRegular}); err != nil {
		return err
	}
	if err := writeMode(w, st); err != nil {
		return err
	}

	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(st.Size))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}

	fd, err := ossys.Openat(dirfd, path, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer ossys.Close(fd)

	buf := make([]byte, 64*1024)
	var remaining = st.Size
	for remaining > 0 {
		n, err := ossys.Read(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= int64(n)
	}
	return nil
}

func encodeDirectory(w writer, dirfd int, path string, st *unix.Stat_t) error {
	if _, err := w.Write([]byte{kindDirectory}); err != nil {
		return err
	}
	if err := writeMode(w, st); err != nil {
		return err
	}

	childDirfd, err := ossys.Openat(dirfd, path, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer ossys.Close(childDirfd)

	dir, err := ossys.Fdopendir(childDirfd, path)
	if err != nil {
		return err
	}
	defer dir.Close()

	names, err := dir.Readdirnames()
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := w.Write([]byte(name)); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x00}); err != nil {
			return err
		}
		if err := encode(w, childDirfd, name); err != nil {
			return fmt.Errorf("%s/%s: %w", path, name, err)
		}
	}
	if _, err := w.Write([]byte{0x00}); err != nil {
		return err
	}
	return nil
}

func encodeSymlink(w writer, dirfd int, path string) error {
	if _, err := w.Write([]byte{kindSymlink}); err != nil {
		return err
	}
	target, err := ossys.Readlinkat(dirfd, path)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(target)); err != nil {
		return err
	}
	_, err = w.Write([]byte{0x00})
	return err
}

func writeMode(w writer, st *unix.Stat_t) error {
	var modeBuf [2]byte
	binary.BigEndian.PutUint16(modeBuf[:], uint16(st.Mode&0o777))
	_, err := w.Write(modeBuf[:])
	return err
}
