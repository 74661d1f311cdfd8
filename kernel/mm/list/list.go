// Package list implements an intrusive doubly-linked list whose link fields
// live inside the nodes themselves. Nodes are identified by an index (a frame
// number, a slot number, an offset) instead of a pointer, and a Linker maps
// that index to the storage holding its links. The buddy allocator's page
// descriptors and the slab allocator's slab headers both use it.
package list

// Linker gives a List access to the link fields stored inside each node.
type Linker[K comparable] interface {
	Next(node K) K
	SetNext(node, next K)
	Prev(node K) K
	SetPrev(node, prev K)
}

// List is an intrusive doubly-linked list of K-indexed nodes. Lists must be
// created with New.
type List[K comparable] struct {
	links Linker[K]

	// none is the sentinel index terminating the list.
	none K

	head K
	len  int
}

// New returns an empty list using links to reach node link fields and none
// as the end-of-list sentinel.
func New[K comparable](links Linker[K], none K) List[K] {
	return List[K]{links: links, none: none, head: none}
}

// Len returns the number of nodes in the list.
func (l *List[K]) Len() int { return l.len }

// Empty returns true if the list has no nodes.
func (l *List[K]) Empty() bool { return l.head == l.none }

// Front returns the first node of the list.
func (l *List[K]) Front() (K, bool) {
	return l.head, l.head != l.none
}

// PushFront inserts node at the head of the list.
func (l *List[K]) PushFront(node K) {
	l.links.SetNext(node, l.head)
	l.links.SetPrev(node, l.none)
	if l.head != l.none {
		l.links.SetPrev(l.head, node)
	}
	l.head = node
	l.len++
}

// Remove unlinks node, which must currently be a member of this list.
func (l *List[K]) Remove(node K) {
	next, prev := l.links.Next(node), l.links.Prev(node)

	if prev != l.none {
		l.links.SetNext(prev, next)
	} else {
		l.head = next
	}

	if next != l.none {
		l.links.SetPrev(next, prev)
	}

	l.links.SetNext(node, l.none)
	l.links.SetPrev(node, l.none)
	l.len--
}

// PopFront removes and returns the first node of the list.
func (l *List[K]) PopFront() (K, bool) {
	node, ok := l.Front()
	if ok {
		l.Remove(node)
	}
	return node, ok
}

// Each invokes fn for every node from head to tail until fn returns false.
// fn must not modify the list.
func (l *List[K]) Each(fn func(node K) bool) {
	for node := l.head; node != l.none; node = l.links.Next(node) {
		if !fn(node) {
			return
		}
	}
}
