// Package memzero wipes secrets held in byte slices. It clears only the
// memory it is given; copies made by the runtime or by callers survive.
package memzero

import "crypto/subtle"

// Zero overwrites b with zeros.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.XORBytes(b, b, b)
}

// ZeroAll zeroes every slice in bs.
func ZeroAll(bs ...[]byte) {
	for _, b := range bs {
		Zero(b)
	}
}
