// Package window implements fixed, event-time windows over a single
// partition. Windows are aligned to the window size, half-open
// [Start, End), and close as soon as the partition's stream time reaches
// their end. There is no allowed lateness: an event whose window has
// already closed is dropped.
package window

import (
	"container/list"
	"fmt"
	"time"
)

// Key identifies a fixed window.
type Key struct {
	Start time.Time
	End   time.Time
}

// Assign returns the window an event time falls into. Windows are aligned
// to the Unix epoch, and an event on a boundary falls into the window that
// starts there.
func Assign(eventTime time.Time, size time.Duration) Key {
	ns := eventTime.UnixNano()
	rem := ns % int64(size)
	if rem < 0 {
		rem += int64(size)
	}
	start := time.Unix(0, ns-rem).UTC()
	return Key{Start: start, End: start.Add(size)}
}

func (k Key) String() string {
	return fmt.Sprintf("[%s, %s)", k.Start.Format(time.RFC3339), k.End.Format(time.RFC3339))
}

// State is the aggregate held for one window.
type State struct {
	Key    Key
	Count  int64
	Closed bool
	// FirstOffset is the transport offset of the first event counted.
	FirstOffset int64
}

// DropReason explains why an event was not counted.
type DropReason string

const (
	// DropNone means the event was counted.
	DropNone DropReason = ""
	// DropClosed means the event's window is closed and still retained.
	DropClosed DropReason = "closed"
	// DropExpired means the event's window was closed and already evicted.
	DropExpired DropReason = "expired"
)

// Table tracks the windows of one partition. It is not safe for
// concurrent use; a partition is owned by a single consumer goroutine.
type Table struct {
	size      time.Duration
	retention time.Duration

	// entries holds *State sorted by start time, earliest at the front.
	entries    *list.List
	streamTime time.Time
	lastOffset int64
}

// NewTable returns an empty table for windows of the given size. Closed
// windows are kept for retention past their end before eviction.
func NewTable(size, retention time.Duration) *Table {
	return &Table{
		size:       size,
		retention:  retention,
		entries:    list.New(),
		lastOffset: -1,
	}
}

// Observe counts one event at the given offset. It returns the windows
// that closed because of it, ordered by start, and a non-empty reason
// when the event itself was dropped as late.
func (t *Table) Observe(eventTime time.Time, offset int64) ([]State, DropReason) {
	t.lastOffset = offset
	key := Assign(eventTime, t.size)

	if !t.streamTime.IsZero() && !key.End.After(t.streamTime) {
		if t.find(key) != nil {
			return nil, DropClosed
		}
		return nil, DropExpired
	}

	st := t.find(key)
	if st != nil && st.Closed {
		// flushed ahead of stream time
		return nil, DropClosed
	}
	if st == nil {
		st = t.insert(&State{Key: key, FirstOffset: offset})
	}
	st.Count++

	if eventTime.After(t.streamTime) {
		t.streamTime = eventTime.UTC()
	}

	closed := t.closeUpTo(t.streamTime)
	t.evict()
	return closed, DropNone
}

// Skip marks an offset as processed without counting an event, for
// messages that carry no usable event time.
func (t *Table) Skip(offset int64) {
	t.lastOffset = offset
}

// Flush closes every open window regardless of stream time.
func (t *Table) Flush() []State {
	var closed []State
	for e := t.entries.Front(); e != nil; e = e.Next() {
		st := e.Value.(*State)
		if st.Closed {
			continue
		}
		st.Closed = true
		closed = append(closed, *st)
	}
	return closed
}

// CommitOffset returns the highest offset whose events no open window
// still depends on. ok is false when nothing may be committed yet.
func (t *Table) CommitOffset() (offset int64, ok bool) {
	offset = t.lastOffset
	for e := t.entries.Front(); e != nil; e = e.Next() {
		st := e.Value.(*State)
		if !st.Closed && st.FirstOffset-1 < offset {
			offset = st.FirstOffset - 1
		}
	}
	return offset, offset >= 0
}

// Lookup returns the state of a tracked window.
func (t *Table) Lookup(key Key) (State, bool) {
	st := t.find(key)
	if st == nil {
		return State{}, false
	}
	return *st, true
}

// StreamTime is the maximum event time observed.
func (t *Table) StreamTime() time.Time {
	return t.streamTime
}

// OpenCount returns the number of open windows.
func (t *Table) OpenCount() int {
	n := 0
	for e := t.entries.Front(); e != nil; e = e.Next() {
		if !e.Value.(*State).Closed {
			n++
		}
	}
	return n
}

// Len returns the number of tracked windows, open or closed.
func (t *Table) Len() int {
	return t.entries.Len()
}

func (t *Table) find(key Key) *State {
	// most events land in the latest window, so search from the back
	for e := t.entries.Back(); e != nil; e = e.Prev() {
		st := e.Value.(*State)
		if st.Key.Start.Equal(key.Start) {
			return st
		}
		if st.Key.Start.Before(key.Start) {
			return nil
		}
	}
	return nil
}

func (t *Table) insert(st *State) *State {
	for e := t.entries.Back(); e != nil; e = e.Prev() {
		if e.Value.(*State).Key.Start.Before(st.Key.Start) {
			t.entries.InsertAfter(st, e)
			return st
		}
	}
	t.entries.PushFront(st)
	return st
}

func (t *Table) closeUpTo(streamTime time.Time) []State {
	var closed []State
	for e := t.entries.Front(); e != nil; e = e.Next() {
		st := e.Value.(*State)
		if st.Key.End.After(streamTime) {
			break
		}
		if !st.Closed {
			st.Closed = true
			closed = append(closed, *st)
		}
	}
	return closed
}

func (t *Table) evict() {
	for e := t.entries.Front(); e != nil; {
		st := e.Value.(*State)
		if !st.Closed || st.Key.End.Add(t.retention).After(t.streamTime) {
			break
		}
		next := e.Next()
		t.entries.Remove(e)
		e = next
	}
}
