package common

import (
	"errors"
	"testing"
)

func TestGuard(t *testing.T) {
	paused := PauseFunc(func(module string) bool { return module == "cdp" })

	if err := Guard(nil, "cdp"); err != nil {
		t.Fatalf("nil view must not pause: %v", err)
	}
	if err := Guard(paused, ""); err != nil {
		t.Fatalf("empty module must not pause: %v", err)
	}
	if err := Guard(paused, "custody"); err != nil {
		t.Fatalf("unexpected pause: %v", err)
	}
	if err := Guard(paused, "cdp"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}
