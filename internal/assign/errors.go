package assign

import "fmt"

// Error marks an assignment-input inconsistency: duplicate entries,
// out-of-range indices, or a target distribution whose length
// disagrees with the population size. Fatal at the assignment step
// that raises it.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "assign: " + e.Msg }

// Errorf builds an *Error with a formatted message.
func Errorf(format string, args ...interface{}) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}
