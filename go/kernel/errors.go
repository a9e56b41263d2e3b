package kernel

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/models/cpu"
)

// Errno recovers the error code carried by err. Memory faults map to
// EFAULT and anything unrecognised to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	switch e := errors.Cause(err).(type) {
	case unix.Errno:
		return e
	case *cpu.MemError:
		return unix.EFAULT
	}
	return unix.EIO
}

// fault turns an address space error into EFAULT, keeping the detail.
func fault(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(unix.EFAULT, "%s: %v", errors.Errorf(format, args...), err)
}
