//go:build linux
// +build linux

package firewall

import (
	"golang.org/x/sys/unix"

	"grimm.is/tapguard/internal/compiler"
	"grimm.is/tapguard/internal/logging"
)

// kernelCtdir determines what --ctdir Original/Reply mean on this
// kernel. Linux 2.6.39 swapped the two; an unparseable release leaves
// the direction match disabled entirely.
func kernelCtdir(log *logging.Logger) compiler.CtdirStatus {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		log.Warn("uname failed, disabling conntrack direction match", "error", err)
		return compiler.CtdirUnknown
	}
	release := unix.ByteSliceToString(uts.Release[:])
	maj, min, mic, ok := parseKernelRelease(release)
	if !ok {
		log.Warn("could not parse kernel release, disabling conntrack direction match",
			"release", release)
		return compiler.CtdirUnknown
	}
	if versionAtLeast(maj, min, mic, 2, 6, 39) {
		return compiler.CtdirCorrected
	}
	return compiler.CtdirOld
}
