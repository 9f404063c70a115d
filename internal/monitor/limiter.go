package monitor

// limiter counts admitted scans against a ceiling. It is not goroutine
// safe, the reconciler mutex guards it.
type limiter struct {
	limit int
	count int
}

func newLimiter(limit int) limiter {
	return limiter{limit: limit}
}

// tryAcquire takes a slot unless the ceiling was reached.
func (l *limiter) tryAcquire() bool {
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// force takes a slot regardless of the ceiling.
func (l *limiter) force() {
	l.count++
}

// release returns a slot, the counter never drops below zero.
func (l *limiter) release() bool {
	if l.count == 0 {
		return false
	}
	l.count--
	return true
}
