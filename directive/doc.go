// Package directive implements the grammar of directive lines: lines of a
// submission that start with "#" and name a directive a kernel registered,
// such as "#!csharp" (kernel selector) or "#r nuget:Foo" (package reference).
//
// A Grammar parses one line at a time. Lines naming an unknown directive are
// not recognized and stay ordinary code; a recognized directive either parses
// into an Invocation or yields positioned diagnostics.
package directive
