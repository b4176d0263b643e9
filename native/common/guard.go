package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the operation when the module is paused. A nil view or empty
// module name means pausing is not wired and the guard is a no-op.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
