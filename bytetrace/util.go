package bytetrace

import (
	"crypto/sha1"
	"runtime"

	"github.com/mtraver/base91"
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// bytesKey provides a minimum string to be used for internal logic as a key. The string is NOT valid UTF-8, expected
// to only be used for internal comparisons and never provided externally.
func bytesKey(b []byte) string {
	if len(b) <= sha1.Size { // at or below the digest size the raw bytes are shorter
		return string(b)
	}
	sha := sha1.Sum(b)
	return string(sha[:])
}

// valueDigestPrefix marks a dedup entry holding a digest rather than the serialized value.
const valueDigestPrefix = "#"

// digestValue returns a printable form of str no longer than a base91 encoded sha1 digest.
func digestValue(str string) string {
	sha := sha1.Sum([]byte(str))
	digest := valueDigestPrefix + base91.StdEncoding.EncodeToString(sha[:])
	if len(str) <= len(digest) {
		return str
	}
	return digest
}
