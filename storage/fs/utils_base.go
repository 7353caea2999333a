//go:build linux || darwin || netbsd

package fs

import (
	"syscall"

	"github.com/pkg/errors"
	"github.com/pkg/xattr"
)

// isNoXattrData reports a missing attribute or a filesystem without xattr support.
func isNoXattrData(err error) bool {
	var xErr *xattr.Error
	if errors.As(err, &xErr) {
		return xErr.Err == syscall.ENODATA || xErr.Err == syscall.ENOTSUP
	}
	return false
}

func isXattrSupported() bool {
	return true
}
