package assert

import "fmt"

// Assert panics with a formatted message when the condition does not hold.
// Used for invariants whose violation means a programming error, not a
// recoverable state.
func Assert(condition bool, format string, args ...any) {
	if !condition {
		panic(fmt.Sprintf(format, args...))
	}
}
