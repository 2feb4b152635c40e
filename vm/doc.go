// Package vm implements the baseline bytecode interpreter.
//
// The interpreter owns the value stack and call frames. A Monitor, when
// installed, observes execution: it is told about loop headers, about every
// instruction while a trace is being recorded, and about frame pushes and
// pops. The monitor may run compiled code and rewrite interpreter state, in
// which case the interpreter re-reads the top frame before continuing.
package vm
