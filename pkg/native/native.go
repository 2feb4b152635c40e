// Package native is the backend for compiled traces. Assemble validates an
// IR buffer and binds it into executable Code; Run executes code over a
// native stack and global buffer until it leaves through an unlinked exit.
package native

import (
	"errors"
	"fmt"

	"github.com/chazu/tracejit/pkg/lir"
)

var (
	// ErrStale is returned when code whose IR arena was released is run.
	ErrStale = errors.New("stale compiled code")
	// ErrTooLarge is returned when a buffer exceeds the backend's limit.
	ErrTooLarge = errors.New("fragment too large")
	// ErrMalformed is returned for buffers the backend cannot execute.
	ErrMalformed = errors.New("malformed fragment")
	// ErrFault is returned when compiled code faults at run time.
	ErrFault = errors.New("native fault")
)

// Linked is implemented by exits and fragments that may transfer control to
// other compiled code. A nil result means the exit returns to the caller.
type Linked interface {
	LinkedCode() *Code
}

// Code is an assembled fragment.
type Code struct {
	Name  string
	buf   *lir.Buffer
	gen   uint64
	entry []lir.Ref
	body  []lir.Ref
	size  int
}

// Assemble binds buf into executable code. The body must end in an exit or
// a loop jump, and every operand must be defined before it is used.
func Assemble(name string, buf *lir.Buffer, limit int) (*Code, error) {
	if buf.Released() {
		return nil, fmt.Errorf("%s: %w", name, ErrStale)
	}
	if limit > 0 && buf.Len() > limit {
		return nil, fmt.Errorf("%s: %d instructions: %w", name, buf.Len(), ErrTooLarge)
	}
	last := buf.Last()
	if last == nil || !last.Op.IsTerminal() {
		return nil, fmt.Errorf("%s: body does not end in exit or loop: %w", name, ErrMalformed)
	}

	defined := make([]bool, buf.Len())
	check := func(at, r lir.Ref) error {
		if r == lir.NoRef {
			return nil
		}
		if int(r) >= len(defined) || !defined[r] {
			return fmt.Errorf("%s: v%d uses undefined v%d: %w", name, at, r, ErrMalformed)
		}
		return nil
	}
	for _, r := range buf.Entry() {
		defined[r] = true
	}
	for _, r := range buf.Body() {
		ins := buf.At(r)
		for _, op := range append([]lir.Ref{ins.A, ins.B, ins.C}, ins.Args...) {
			if err := check(r, op); err != nil {
				return nil, err
			}
		}
		if (ins.Op.IsGuarded() || ins.Op.IsTerminal() || ins.Op == lir.OpTreeCall) && ins.Exit == nil {
			return nil, fmt.Errorf("%s: v%d %s has no exit: %w", name, r, ins.Op, ErrMalformed)
		}
		defined[r] = true
	}
	return &Code{
		Name:  name,
		buf:   buf,
		gen:   buf.Generation(),
		entry: buf.Entry(),
		body:  buf.Body(),
		size:  buf.Len(),
	}, nil
}

// Valid reports whether the code's IR arena is still live.
func (c *Code) Valid() bool {
	return c != nil && !c.buf.Released() && c.buf.Generation() == c.gen
}

// Size returns the number of instructions.
func (c *Code) Size() int { return c.size }

// Buffer returns the IR the code was assembled from.
func (c *Code) Buffer() *lir.Buffer { return c.buf }

func (c *Code) String() string { return c.Name }
