//go:build !windows

package driver

import (
	"fmt"
	"runtime"
)

// Open always fails outside Windows: the ClientBridge client libraries are
// only shipped as DLLs. Use the simulated chassis instead.
func Open() (Drivers, error) {
	return Drivers{}, fmt.Errorf("%w on %s", ErrUnavailable, runtime.GOOS)
}
