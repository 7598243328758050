package engine

import "testing"

// setBeforeCommandHook installs fn ahead of every command of every engine
// until the test ends.
func setBeforeCommandHook(t *testing.T, fn func(name string)) {
	t.Helper()
	testHookBeforeCommand = fn
	t.Cleanup(func() { testHookBeforeCommand = nil })
}
