package codegen

import (
	"errors"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"
)

// ValidationError is a syntax error in generated source.
type ValidationError struct {
	Line     int
	Column   int
	Function string // generated function containing the error, if known
	Message  string
}

// Validate parses generated source and returns its syntax errors,
// attributed to the generated function they fall in.
func Validate(filename, source string) []ValidationError {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, source, parser.AllErrors)
	if err == nil {
		return nil
	}

	var funcs map[int]string
	if file != nil {
		funcs = functionLines(fset, file)
	}
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		return []ValidationError{{Line: 1, Column: 1, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(list))
	for _, e := range list {
		out = append(out, ValidationError{
			Line:     e.Pos.Line,
			Column:   e.Pos.Column,
			Function: funcs[e.Pos.Line],
			Message:  e.Msg,
		})
	}
	return out
}

// functionLines maps every line of every function declaration to its name.
func functionLines(fset *token.FileSet, file *ast.File) map[int]string {
	funcs := make(map[int]string)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		start, end := fset.Position(fn.Pos()).Line, fset.Position(fn.End()).Line
		for line := start; line <= end; line++ {
			funcs[line] = fn.Name.Name
		}
	}
	return funcs
}

// FormatValidationErrors returns a human-readable error report.
func FormatValidationErrors(errs []ValidationError) string {
	var sb strings.Builder
	for _, err := range errs {
		sb.WriteString("  ")
		if err.Function != "" {
			sb.WriteString(err.Function)
			sb.WriteString(": ")
		}
		sb.WriteString(err.Message)
		sb.WriteString("\n")
	}
	return sb.String()
}
