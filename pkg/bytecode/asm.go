package bytecode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/tracejit/pkg/value"
)

// Assemble parses the textual bytecode format:
//
//	; comment
//	.func name nargs nlocals
//	loop:
//	    loophead
//	    getlocal 0
//	    push 10          ; number or "string"
//	    lt
//	    iffalse done
//	    goto loop
//	done:
//	    return
//	.end
//
// Mnemonics are the opcode names, case-insensitive. Jumps take labels,
// global and property instructions take names.
func Assemble(r io.Reader) (*Program, error) {
	prog := &Program{}
	var b *Builder
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(stripComment(sc.Text()))
		if line == "" {
			continue
		}
		fail := func(format string, args ...any) error {
			return fmt.Errorf("line %d: %s", lineNo, fmt.Sprintf(format, args...))
		}

		if strings.HasPrefix(line, ".") {
			fields := strings.Fields(line)
			switch fields[0] {
			case ".func":
				if b != nil {
					return nil, fail("nested .func")
				}
				if len(fields) != 4 {
					return nil, fail(".func wants name nargs nlocals")
				}
				nargs, err1 := strconv.Atoi(fields[2])
				nlocals, err2 := strconv.Atoi(fields[3])
				if err1 != nil || err2 != nil || nargs < 0 || nlocals < 0 {
					return nil, fail("bad .func counts")
				}
				b = NewBuilder(fields[1], nargs, nlocals)
			case ".end":
				if b == nil {
					return nil, fail(".end without .func")
				}
				fn, err := b.Finish()
				if err != nil {
					return nil, fail("%v", err)
				}
				if err := prog.Add(fn); err != nil {
					return nil, fail("%v", err)
				}
				b = nil
			default:
				return nil, fail("unknown directive %s", fields[0])
			}
			continue
		}

		if b == nil {
			return nil, fail("instruction outside .func")
		}
		b.SetLine(lineNo)

		if strings.HasSuffix(line, ":") {
			if err := b.Label(strings.TrimSuffix(line, ":")); err != nil {
				return nil, fail("%v", err)
			}
			continue
		}

		mnemonic, operand, _ := strings.Cut(line, " ")
		mnemonic = strings.ToUpper(mnemonic)
		operand = strings.TrimSpace(operand)

		if mnemonic == "PUSH" {
			if err := emitLiteral(b, operand); err != nil {
				return nil, fail("%v", err)
			}
			continue
		}

		op, ok := LookupOpcode(mnemonic)
		if !ok {
			return nil, fail("unknown instruction %q", mnemonic)
		}
		switch {
		case op.IsJump():
			if operand == "" {
				return nil, fail("%s needs a label", op)
			}
			b.Jump(op, operand)
		case op == OpGetGlobal || op == OpSetGlobal || op == OpGetProp || op == OpSetProp:
			if operand == "" {
				return nil, fail("%s needs a name", op)
			}
			b.Emit(op, b.Name(operand))
		case op == OpConst:
			if err := emitLiteral(b, operand); err != nil {
				return nil, fail("%v", err)
			}
		case op.OperandLen() > 0:
			n, err := strconv.Atoi(operand)
			if err != nil {
				return nil, fail("%s needs an integer operand", op)
			}
			b.Emit(op, n)
		default:
			if operand != "" {
				return nil, fail("%s takes no operand", op)
			}
			b.Emit(op)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if b != nil {
		return nil, fmt.Errorf("missing .end for %s", b.fn.Name)
	}
	return prog, nil
}

// AssembleString is Assemble over a string.
func AssembleString(src string) (*Program, error) {
	return Assemble(strings.NewReader(src))
}

func emitLiteral(b *Builder, lit string) error {
	if strings.HasPrefix(lit, `"`) {
		s, err := strconv.Unquote(lit)
		if err != nil {
			return fmt.Errorf("bad string literal %s", lit)
		}
		b.String(s)
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("bad number literal %q", lit)
	}
	b.Number(f)
	return nil
}

func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case ';':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}

// ConstString renders a constant for listings.
func ConstString(v value.Value) string {
	if v.IsString() {
		return strconv.Quote(v.AsString())
	}
	return v.String()
}
