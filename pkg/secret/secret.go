// Package secret holds helpers for key material that must not outlive its last use.
package secret

import "runtime"

// Wipe overwrites b with zeros. The KeepAlive keeps the store from being treated as dead.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// IsZero reports whether every byte of b is zero, in time independent of the contents.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
