package world

type listener[T any] struct {
	id uint64
	fn func(T)
}

// listeners is a synchronous fan-out list. Unsubscribing during emit is safe;
// the current emit still reaches every listener present when it started.
type listeners[T any] struct {
	next uint64
	list []listener[T]
}

func (l *listeners[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.next++
	id := l.next
	l.list = append(l.list, listener[T]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *listeners[T]) remove(id uint64) {
	for i, ln := range l.list {
		if ln.id == id {
			next := make([]listener[T], 0, len(l.list)-1)
			next = append(next, l.list[:i]...)
			next = append(next, l.list[i+1:]...)
			l.list = next
			return
		}
	}
}

func (l *listeners[T]) emit(v T) {
	for _, ln := range l.list {
		ln.fn(v)
	}
}
