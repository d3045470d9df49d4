// Package list is an intrusive doubly linked list whose links can remove
// themselves in O(1).
package list

// List struct.
type List[T any] struct {
	head *Link[T]
	tail *Link[T]
	size int
}

// Create a new list.
func NewList[T any]() *List[T] {
	return &List[T]{}
}

// Get a pointer to the tail of the list.
func (list *List[T]) PeekTail() *Link[T] {
	return list.tail
}

// Number of links currently in the list.
func (list *List[T]) Len() int {
	return list.size
}

// Add an element to the start of the list. Returns the added link.
func (list *List[T]) PushHead(value T) *Link[T] {
	newLink := &Link[T]{list: list, value: value}
	if list.head == nil {
		list.head = newLink
		list.tail = newLink
	} else {
		curHead := list.head
		curHead.prev = newLink
		list.head = newLink
		newLink.next = curHead
	}
	list.size++
	return newLink
}

// Remove and return the tail link, or nil if the list is empty.
func (list *List[T]) PopTail() *Link[T] {
	tail := list.tail
	if tail != nil {
		tail.PopSelf()
	}
	return tail
}

// Apply a function to every element in the list, head first.
func (list *List[T]) Map(f func(*Link[T])) {
	for cur := list.head; cur != nil; {
		next := cur.next
		f(cur)
		cur = next
	}
}

// Link struct.
type Link[T any] struct {
	list  *List[T]
	prev  *Link[T]
	next  *Link[T]
	value T
}

// Get the list that this link is a part of, or nil once it was popped.
func (link *Link[T]) GetList() *List[T] {
	return link.list
}

// Get the link's value.
func (link *Link[T]) GetKey() T {
	return link.value
}

// Get the link's prev.
func (link *Link[T]) GetPrev() *Link[T] {
	return link.prev
}

// Remove this link from its list. Popping a detached link is a no-op.
func (link *Link[T]) PopSelf() {
	list := link.list
	if list == nil {
		return
	}
	if list.head == link {
		list.head = link.next
	}
	if list.tail == link {
		list.tail = link.prev
	}
	if link.next != nil {
		link.next.prev = link.prev
	}
	if link.prev != nil {
		link.prev.next = link.next
	}
	link.next = nil
	link.prev = nil
	link.list = nil
	list.size--
}
