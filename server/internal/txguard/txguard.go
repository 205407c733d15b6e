// Package txguard recovers uses of expired world transactions. Handler hooks
// that exceed their budget are abandoned and their transaction closed
// underneath them; code that may run past that point wraps its accesses in
// Run or Value to observe a clean failure instead of a panic.
package txguard

// ClosedPanicMessage is the message of the panic raised when a transaction
// is used after it finished.
const ClosedPanicMessage = "world.Tx: use of transaction after transaction finishes is not permitted"

// Run invokes fn and reports whether it completed. It returns false if fn
// used a transaction that had already finished. Other panics propagate.
func Run(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if msg, str := r.(string); str && msg == ClosedPanicMessage {
				ok = false
				return
			}
			panic(r)
		}
	}()
	fn()
	return true
}

// Value invokes fn and returns its result, with ok false if fn used a
// transaction that had already finished.
func Value[T any](fn func() T) (value T, ok bool) {
	ok = Run(func() { value = fn() })
	return
}
