// Package ilist implements a doubly linked list whose links live inside the
// elements. Membership costs no allocation, and whole lists can be spliced
// onto each other in constant time, which the message hub relies on to
// publish and collect batches under a short critical section.
//
// An element may be a member of at most one list per Links field it embeds.
package ilist

// Links is embedded in an element to make it linkable.
type Links[T any] struct {
	prev, next *T
	linked     bool
}

// Linked reports whether the element is currently in a list.
func (l *Links[T]) Linked() bool { return l.linked }

// Elem is the constraint satisfied by pointers to linkable element types.
type Elem[T any] interface {
	*T
	ListLinks() *Links[T]
}

// List is an intrusive doubly linked list. The zero value is empty and
// ready to use. List is not safe for concurrent use.
type List[T any, P Elem[T]] struct {
	head, tail *T
	n          int
}

func lk[T any, P Elem[T]](e *T) *Links[T] { return P(e).ListLinks() }

// Len returns the number of elements.
func (l *List[T, P]) Len() int { return l.n }

// Empty reports whether the list has no elements.
func (l *List[T, P]) Empty() bool { return l.n == 0 }

// Front returns the first element or nil.
func (l *List[T, P]) Front() P { return P(l.head) }

// Back returns the last element or nil.
func (l *List[T, P]) Back() P { return P(l.tail) }

// Next returns the element after e or nil.
func (l *List[T, P]) Next(e P) P { return P(e.ListLinks().next) }

// Prev returns the element before e or nil.
func (l *List[T, P]) Prev(e P) P { return P(e.ListLinks().prev) }

// PushBack appends e. It panics if e is already linked.
func (l *List[T, P]) PushBack(e P) {
	links := e.ListLinks()
	if links.linked {
		panic("ilist: element already linked")
	}
	links.prev, links.next, links.linked = l.tail, nil, true
	if l.tail != nil {
		lk[T, P](l.tail).next = (*T)(e)
	} else {
		l.head = (*T)(e)
	}
	l.tail = (*T)(e)
	l.n++
}

// PushFront prepends e. It panics if e is already linked.
func (l *List[T, P]) PushFront(e P) {
	links := e.ListLinks()
	if links.linked {
		panic("ilist: element already linked")
	}
	links.prev, links.next, links.linked = nil, l.head, true
	if l.head != nil {
		lk[T, P](l.head).prev = (*T)(e)
	} else {
		l.tail = (*T)(e)
	}
	l.head = (*T)(e)
	l.n++
}

// Remove unlinks e, which must be a member of l. It returns false when e
// is not linked at all.
func (l *List[T, P]) Remove(e P) bool {
	links := e.ListLinks()
	if !links.linked {
		return false
	}
	if links.prev != nil {
		lk[T, P](links.prev).next = links.next
	} else {
		l.head = links.next
	}
	if links.next != nil {
		lk[T, P](links.next).prev = links.prev
	} else {
		l.tail = links.prev
	}
	links.prev, links.next, links.linked = nil, nil, false
	l.n--
	return true
}

// PopFront removes and returns the first element, or nil when empty.
func (l *List[T, P]) PopFront() P {
	e := P(l.head)
	if e != nil {
		l.Remove(e)
	}
	return e
}

// AppendAndClear moves every element of other to the end of l in constant
// time. Afterwards l.Len() is the sum of both lengths and other is empty.
func (l *List[T, P]) AppendAndClear(other *List[T, P]) {
	if other == l || other.n == 0 {
		return
	}
	if l.tail == nil {
		l.head = other.head
	} else {
		lk[T, P](l.tail).next = other.head
		lk[T, P](other.head).prev = l.tail
	}
	l.tail = other.tail
	l.n += other.n
	other.head, other.tail, other.n = nil, nil, 0
}

// Each calls fn for every element in order until fn returns false.
// fn may remove the element it is given.
func (l *List[T, P]) Each(fn func(P) bool) {
	for e := l.head; e != nil; {
		next := lk[T, P](e).next
		if !fn(P(e)) {
			return
		}
		e = next
	}
}
