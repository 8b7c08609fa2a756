//go:build debug

package snowctx

import "snowflake/filehash"

// debugCheckHash verifies the StoreCachedOutput precondition that hash
// really is the digest of (fromDirfd, fromPath). Compiled in under the
// debug build tag only; release builds get the no-op in
// check_release.go.
func debugCheckHash(hash filehash.Hash, fromDirfd int, fromPath string) {
	got, err := filehash.HashAt(fromDirfd, fromPath)
	if err != nil {
		panic("snowctx: StoreCachedOutput precondition: " + err.Error())
	}
	if got != hash {
		panic("snowctx: StoreCachedOutput precondition: hash mismatch for " + fromPath)
	}
}
