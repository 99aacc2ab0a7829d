// Package timer keeps per-connection idle deadlines in a list sorted by
// expiration, so expiring them is a walk from the head that stops at the
// first record still alive.
//
// Records live in a slab and link to each other by index. Handles carry a
// generation, a handle whose record was already freed is ignored.
//
// A List is not safe for concurrent use.
package timer

import "time"

const nilIdx = -1

// ID is a handle to a record in a List. The zero value refers to nothing.
type ID struct {
	slot int32
	gen  uint32
}

// Valid reports whether id was ever returned by Add.
func (id ID) Valid() bool { return id.gen != 0 }

type record struct {
	expire time.Time
	fd     int

	prev, next int32
	gen        uint32
	live       bool
}

// List is a doubly linked list of records, ascending by expiration.
type List struct {
	recs []record
	free []int32

	head, tail int32
	n          int

	onExpire func(fd int)
}

// NewList returns an empty list. onExpire is called by Sweep for every
// expired record, after the record has been detached.
func NewList(onExpire func(fd int)) *List {
	return &List{
		head:     nilIdx,
		tail:     nilIdx,
		onExpire: onExpire,
	}
}

// Len returns the number of live records.
func (l *List) Len() int { return l.n }

// Add inserts a record for fd expiring at expire.
func (l *List) Add(fd int, expire time.Time) ID {
	i := l.alloc()
	r := &l.recs[i]
	r.expire, r.fd = expire, fd

	l.insert(i)
	return ID{slot: i, gen: r.gen}
}

// Adjust moves the record to a new deadline. Activity only pushes deadlines
// out, so the common case walks forward from where the record already is.
func (l *List) Adjust(id ID, expire time.Time) {
	i, ok := l.lookup(id)
	if !ok {
		return
	}
	r := &l.recs[i]
	old := r.expire
	r.expire = expire

	if expire.Before(old) {
		// never happens for idle refreshes, keep the order anyway
		l.unlink(i)
		l.insert(i)
		return
	}

	next := r.next
	if next == nilIdx || expire.Before(l.recs[next].expire) {
		return
	}
	l.unlink(i)
	l.insertAfter(i, next)
}

// Remove detaches and frees the record. Unknown or stale ids are a no-op.
func (l *List) Remove(id ID) {
	i, ok := l.lookup(id)
	if !ok {
		return
	}
	l.unlink(i)
	l.release(i)
}

// Expire returns the deadline of a live record.
func (l *List) Expire(id ID) (time.Time, bool) {
	i, ok := l.lookup(id)
	if !ok {
		return time.Time{}, false
	}
	return l.recs[i].expire, true
}

// Sweep expires every record whose deadline is not after now and returns
// how many were expired.
func (l *List) Sweep(now time.Time) int {
	expired := 0
	for l.head != nilIdx {
		i := l.head
		r := &l.recs[i]
		if now.Before(r.expire) {
			break
		}
		fd := r.fd
		l.unlink(i)
		l.release(i)
		expired++

		if l.onExpire != nil {
			l.onExpire(fd)
		}
	}
	return expired
}

// insert places a detached record at its position, scanning from the head.
func (l *List) insert(i int32) {
	r := &l.recs[i]
	if l.head == nilIdx {
		r.prev, r.next = nilIdx, nilIdx
		l.head, l.tail = i, i
		l.n++
		return
	}
	if r.expire.Before(l.recs[l.head].expire) {
		r.prev, r.next = nilIdx, l.head
		l.recs[l.head].prev = i
		l.head = i
		l.n++
		return
	}
	l.insertAfter(i, l.head)
}

// insertAfter places a detached record somewhere after from. The caller
// guarantees from does not expire later than the record.
func (l *List) insertAfter(i, from int32) {
	r := &l.recs[i]
	prev := from
	cur := l.recs[prev].next
	for cur != nilIdx {
		if r.expire.Before(l.recs[cur].expire) {
			l.recs[prev].next = i
			r.prev, r.next = prev, cur
			l.recs[cur].prev = i
			l.n++
			return
		}
		prev = cur
		cur = l.recs[cur].next
	}

	l.recs[prev].next = i
	r.prev, r.next = prev, nilIdx
	l.tail = i
	l.n++
}

func (l *List) unlink(i int32) {
	r := &l.recs[i]
	if r.prev != nilIdx {
		l.recs[r.prev].next = r.next
	} else {
		l.head = r.next
	}
	if r.next != nilIdx {
		l.recs[r.next].prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.prev, r.next = nilIdx, nilIdx
	l.n--
}

func (l *List) lookup(id ID) (int32, bool) {
	if !id.Valid() || id.slot < 0 || int(id.slot) >= len(l.recs) {
		return 0, false
	}
	r := &l.recs[id.slot]
	if !r.live || r.gen != id.gen {
		return 0, false
	}
	return id.slot, true
}

func (l *List) alloc() int32 {
	var i int32
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.recs = append(l.recs, record{})
		i = int32(len(l.recs) - 1)
	}
	r := &l.recs[i]
	r.gen++
	if r.gen == 0 {
		r.gen = 1
	}
	r.live = true
	r.prev, r.next = nilIdx, nilIdx
	return i
}

func (l *List) release(i int32) {
	r := &l.recs[i]
	r.live = false
	r.fd = -1
	l.free = append(l.free, i)
}
