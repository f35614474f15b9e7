package common

import (
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// PauseFunc adapts a lookup function to PauseView.
type PauseFunc func(module string) bool

func (f PauseFunc) IsPaused(module string) bool { return f != nil && f(module) }

// Guard rejects work for a paused module. A nil view never pauses anything.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}
