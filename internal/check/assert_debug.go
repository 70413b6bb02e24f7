//go:build debug

package check

import "fmt"

// Invariant panics when cond is false. Debug builds stop at the first
// broken invariant so tests fail loudly.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
