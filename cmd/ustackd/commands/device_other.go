//go:build !linux

package commands

import (
	"errors"

	"github.com/nilknarf/ustack/driver"
	"github.com/nilknarf/ustack/internal/config"
)

var errTapUnsupported = errors.New("ustackd: the tap driver requires linux; build and run on a Linux host")

// openDevice reports that the raw tap driver is unavailable on this GOOS.
func openDevice(config.IfaceConfig) (driver.Device, func() error, error) {
	return nil, nil, errTapUnsupported
}
