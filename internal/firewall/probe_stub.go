//go:build !linux
// +build !linux

package firewall

import (
	"grimm.is/tapguard/internal/compiler"
	"grimm.is/tapguard/internal/logging"
)

func kernelCtdir(log *logging.Logger) compiler.CtdirStatus {
	return compiler.CtdirUnknown
}
