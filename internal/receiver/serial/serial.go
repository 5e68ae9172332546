// Package serial implements RFC 1982 serial-number arithmetic over the
// 16-bit frame counters used by RAOP and OHM audio streams. The counter
// wraps at 65535; comparisons are only meaningful within a window of
// 2^15, which is far larger than any repair buffer this package serves.
package serial

// Number is a 16-bit frame sequence number with modular ordering.
type Number uint16

// Next returns the number that follows n, wrapping at 65535.
func (n Number) Next() Number {
	return n + 1
}

// Before reports whether a orders strictly before b.
// Per RFC 1982, a < b iff (b - a) mod 2^16 lies in (0, 2^15).
func Before(a, b Number) bool {
	d := uint16(b - a)
	return d > 0 && d < 0x8000
}

// After reports whether a orders strictly after b.
func After(a, b Number) bool {
	return Before(b, a)
}

// BeforeEq reports whether a orders before or equals b.
func BeforeEq(a, b Number) bool {
	return a == b || Before(a, b)
}

// Distance returns the forward distance from a to b. Callers must know
// that b does not order before a; a wrapped (negative) distance is a
// programming error and yields a value >= 2^15.
func Distance(a, b Number) uint16 {
	return uint16(b - a)
}
