//go:build !linux
// +build !linux

package firewall

import "errors"

var errUnsupportedPlatform = errors.New("firewall tools are only supported on linux")

func (r *RealCommandRunner) Run(name string, args ...string) error {
	return errUnsupportedPlatform
}

func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, errUnsupportedPlatform
}
