// Package sandbox evaluates untrusted workflow expressions and scripts.
//
// ExprEvaluator runs side-effect free expressions (lookups, comparisons,
// boolean and arithmetic operators) with expr-lang/expr. ScriptRunner
// interprets Go source with yaegi against an allow-listed subset of the
// standard library. Both enforce a hard timeout.
package sandbox
