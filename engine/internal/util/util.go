// Package util holds small integer helpers shared by the engine packages.
package util

// CeilDiv returns ceil(a / b) for non-negative a and positive b.
func CeilDiv(a, b int) int {
	if b <= 0 {
		panic("CeilDiv: divisor must be > 0")
	}
	return (a + b - 1) / b
}
