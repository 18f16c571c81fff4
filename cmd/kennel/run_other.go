//go:build !unix

package main

import "context"

// watchResize is a no-op where SIGWINCH does not exist; the terminal
// keeps its creation-time size.
func watchResize(context.Context, func()) {}
