package packet

// List is an intrusive singly-linked list of packets (spec section 3's
// packet_list). Packets are linked through their own next field, so
// building or draining a list never allocates.
type List struct {
	head, tail *Packet
	len        int
}

// Len returns the number of packets in the list.
func (l *List) Len() int { return l.len }

// Empty reports whether the list has no packets.
func (l *List) Empty() bool { return l.head == nil }

// PushBack appends p to the list. p must not already be linked elsewhere.
func (l *List) PushBack(p *Packet) {
	p.next = nil
	if l.tail == nil {
		l.head = p
		l.tail = p
	} else {
		l.tail.next = p
		l.tail = p
	}
	l.len++
}

// PopFront removes and returns the first packet, or nil if the list is
// empty.
func (l *List) PopFront() *Packet {
	p := l.head
	if p == nil {
		return nil
	}
	l.head = p.next
	if l.head == nil {
		l.tail = nil
	}
	p.next = nil
	l.len--
	return p
}

// Concat appends other's packets to l and empties other. This is used to
// fold a pipeline stage's drop/output/bypass lists into the worker-level
// lists described in spec section 4.3 step 4.
func (l *List) Concat(other *List) {
	if other.head == nil {
		return
	}
	if l.tail == nil {
		l.head = other.head
	} else {
		l.tail.next = other.head
	}
	l.tail = other.tail
	l.len += other.len
	other.head, other.tail, other.len = nil, nil, 0
}

// Each calls fn for every packet currently in the list, in order. It is
// safe for fn to inspect but not to mutate the list's own links.
func (l *List) Each(fn func(*Packet)) {
	for p := l.head; p != nil; p = p.next {
		fn(p)
	}
}

// Front is the {input, output, drop, bypass} quadruple a pipeline stage
// consumes and produces (spec section 4.4). NewFront sets output to the
// stage's initial batch with drop/bypass empty, matching the dispatch
// protocol's "Initialize" step.
type Front struct {
	Input  List
	Output List
	Drop   List
	Bypass List
}

// NewFront builds a Front whose Output is seeded with input, ready for the
// first pipeline stage to consume via Advance.
func NewFront(input List) *Front {
	return &Front{Output: input}
}

// Advance swaps the previous stage's Output into Input and clears Output,
// so the next module handler consumes exactly what the prior stage
// produced. This is the "swap output into input" step of spec section 4.4.
func (f *Front) Advance() {
	f.Input, f.Output = f.Output, List{}
}
