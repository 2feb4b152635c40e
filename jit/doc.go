// Package jit is a trace-based just-in-time compiler for the vm
// interpreter.
//
// A Session watches loop headers through the vm.Monitor hooks. A loop that
// becomes hot is recorded: the recorder observes the interpreter executing
// one iteration and emits a linear IR fragment in which every assumption
// about types and control flow is protected by a guard. When the recording
// reaches the loop header again the fragment is compiled into the root of a
// tree. Guards that fail often grow branch fragments, trees of different
// entry types become peers that jump into one another, and inner loops are
// called as nested trees.
//
// Leaving compiled code goes through side exits. Each exit records the
// types of every live slot and the inlined frames at the guard, which is
// enough to rebuild the interpreter state exactly as if it had run the
// trace itself.
package jit
