//go:build windows

package main

import "os"

// redirectStderr is a no-op on Windows; crash output stays on the console.
func redirectStderr(f *os.File) {}
