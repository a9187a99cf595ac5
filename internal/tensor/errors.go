package tensor

import "fmt"

// ShapeMismatchError reports tensor dimensions that are inconsistent with
// the declared configuration or with each other.
type ShapeMismatchError struct {
	Op   string
	Want []int
	Got  []int
	Msg  string
}

func (e *ShapeMismatchError) Error() string {
	if e.Want == nil && e.Got == nil {
		return fmt.Sprintf("%s: shape mismatch: %s", e.Op, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: shape mismatch: %s (want %v, got %v)", e.Op, e.Msg, e.Want, e.Got)
}

// Mismatch builds a ShapeMismatchError without expected/actual dims.
func Mismatch(op, format string, args ...interface{}) error {
	return &ShapeMismatchError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CheckShape verifies t has exactly the wanted dims.
func CheckShape(op, name string, t *Tensor, want [4]int) error {
	if t == nil {
		return Mismatch(op, "%s is nil", name)
	}
	if t.shape != want {
		return &ShapeMismatchError{Op: op, Msg: name, Want: want[:], Got: t.Dims()}
	}
	return nil
}
