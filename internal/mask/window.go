package mask

import (
	"fmt"

	"github.com/23skdu/longbow-parity/internal/config"
)

// Window bounds how far a query may look left and right of its aligned
// key position. -1 means unbounded on that side.
type Window struct {
	Left  int
	Right int
}

var (
	Causal    = Window{Left: -1, Right: 0}
	Unbounded = Window{Left: -1, Right: -1}
)

// NewLocalWindow returns a causal sliding window reaching left keys back.
func NewLocalWindow(left int) (Window, error) {
	if left < 0 {
		return Window{}, config.Invalid("window_left", left, "local window must be non-negative")
	}
	return Window{Left: left, Right: 0}, nil
}

// Active reports whether the window excludes anything at all.
func (w Window) Active() bool {
	return w.Left >= 0 || w.Right >= 0
}

func (w Window) String() string {
	return fmt.Sprintf("(%d,%d)", w.Left, w.Right)
}
