//go:build !appengine
// +build !appengine

// Package bytes provides zero-copy conversion between byte slices and
// strings.
package bytes

import "unsafe"

// BytesToString reinterprets b as a string without allocating. The string
// shares b's memory, so b must not be modified while the string is in use.
// Command dispatch relies on this for map lookups against argument slices
// that only live for the call.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
