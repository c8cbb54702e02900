package common

import (
	"errors"
	"fmt"
)

// ErrModulePaused is returned by Guard when operations have halted a module.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a protocol module has been halted by operations.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard checks the pause switchboard before a module operation runs. A nil
// view or empty module name is treated as unpaused so engines work without
// wiring. The returned error wraps ErrModulePaused with the module name.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if !p.IsPaused(module) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrModulePaused, module)
}
