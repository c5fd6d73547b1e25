// Package timer implements the sorted expiration list used to reclaim idle
// connections.
//
// The list is owned by the reactor goroutine and is not safe for concurrent
// use.
package timer

import (
	"container/list"
	"time"
)

// Evictor is the action a Record runs when it expires.
type Evictor interface {
	Evict(fd int)
}

// EvictFunc adapts a plain function to the Evictor interface.
type EvictFunc func(fd int)

// Evict calls f(fd).
func (f EvictFunc) Evict(fd int) {
	f(fd)
}

// Record is a single connection's expiration entry.
type Record struct {
	Expire  time.Time
	Fd      int
	Evictor Evictor

	elem  *list.Element
	owner *List
}

// NewRecord creates a detached record.
func NewRecord(fd int, expire time.Time, evictor Evictor) *Record {
	return &Record{
		Expire:  expire,
		Fd:      fd,
		Evictor: evictor,
	}
}

// Attached reports whether the record is currently linked into a list.
func (r *Record) Attached() bool {
	return r != nil && r.owner != nil
}

// List keeps records sorted ascending by Expire.
type List struct {
	l *list.List
}

// NewList creates an empty list.
func NewList() *List {
	return &List{l: list.New()}
}

// Len returns the number of linked records.
func (t *List) Len() int {
	return t.l.Len()
}

// Front returns the record expiring soonest, or nil.
func (t *List) Front() *Record {
	if e := t.l.Front(); e != nil {
		return e.Value.(*Record)
	}
	return nil
}

// Add links r in sorted position. Records with equal expirations keep
// insertion order. A record already linked elsewhere is moved.
func (t *List) Add(r *Record) {
	if r == nil {
		return
	}
	if r.owner != nil {
		r.owner.Remove(r)
	}
	t.insertBefore(r, nil)
}

// insertBefore scans backwards starting just before stop (or from the tail
// when stop is nil). Expirations are nearly monotonic, so the scan is short.
func (t *List) insertBefore(r *Record, stop *list.Element) {
	var e *list.Element
	if stop == nil {
		e = t.l.Back()
	} else {
		e = stop.Prev()
	}
	for ; e != nil; e = e.Prev() {
		if !e.Value.(*Record).Expire.After(r.Expire) {
			r.elem = t.l.InsertAfter(r, e)
			r.owner = t
			return
		}
	}
	r.elem = t.l.PushFront(r)
	r.owner = t
}

// Remove unlinks r. It is a no-op for records not in this list.
func (t *List) Remove(r *Record) {
	if r == nil || r.owner != t {
		return
	}
	t.l.Remove(r.elem)
	r.elem = nil
	r.owner = nil
}

// Reschedule sets a new expiration for r and restores ordering. Detached
// records are simply added.
func (t *List) Reschedule(r *Record, expire time.Time) {
	if r == nil {
		return
	}
	if r.owner != t {
		r.Expire = expire
		t.Add(r)
		return
	}

	r.Expire = expire
	next := r.elem.Next()
	prev := r.elem.Prev()
	if (next == nil || !next.Value.(*Record).Expire.Before(expire)) &&
		(prev == nil || !prev.Value.(*Record).Expire.After(expire)) {
		return
	}

	t.l.Remove(r.elem)
	r.elem = nil
	r.owner = nil
	if next != nil && !next.Value.(*Record).Expire.Before(expire) {
		t.insertBefore(r, next)
		return
	}
	t.insertBefore(r, nil)
}

// Tick evicts every record whose expiration is at or before now, in order,
// and returns how many were evicted. Each record is unlinked before its
// Evictor runs, so the Evictor may re-add it.
func (t *List) Tick(now time.Time) int {
	n := 0
	for {
		e := t.l.Front()
		if e == nil {
			return n
		}
		r := e.Value.(*Record)
		if r.Expire.After(now) {
			return n
		}
		t.Remove(r)
		n++
		if r.Evictor != nil {
			r.Evictor.Evict(r.Fd)
		}
	}
}
