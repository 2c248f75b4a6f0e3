package util

import "sync"

// Latch is a one-shot event. Handlers registered after Fire run immediately
// with the fired value, so late subscribers never miss the event.
type Latch[T any] struct {
	mu    sync.Mutex
	fired bool
	val   T
	fns   []func(T)
}

// On registers fn. If the latch already fired, fn runs before On returns.
func (l *Latch[T]) On(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.fired {
		v := l.val
		l.mu.Unlock()
		fn(v)
		return
	}
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

// Fire reports false if the latch had already fired.
func (l *Latch[T]) Fire(v T) bool {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		return false
	}
	l.fired = true
	l.val = v
	fns := l.fns
	l.fns = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return true
}

func (l *Latch[T]) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}
