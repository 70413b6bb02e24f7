//go:build !debug

package check

import (
	"fmt"
	"log/slog"
)

// Invariant logs when cond is false. Release builds keep running; the
// next poll or event usually repairs the state.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		slog.Error("invariant violated", "detail", fmt.Sprintf(format, args...))
	}
}
