// Package hub is the per-instance connection registry. Connections live in
// an arena addressed by generation-stamped handles; the user and room
// indexes are split into hash shards so no single lock guards the whole
// registry.
package hub

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrStaleHandle = errors.New("hub: stale connection handle")

// Handle addresses a registered connection. A handle whose slot has been
// reused compares unequal to the new occupant's handle.
type Handle struct {
	Index uint32
	Gen   uint32
}

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.Index, h.Gen) }

type Conn struct {
	ID     string
	UserID string
	WS     *websocket.Conn
	// bounded outbound queue (backpressure)
	Out chan []byte

	handle Handle

	mu            sync.Mutex
	rooms         map[string]struct{}
	lastHeartbeat time.Time
	timer         *time.Timer
	hbSeq         uint64
	removed       bool
	closed        bool
}

func NewConn(userID string, ws *websocket.Conn, queue int) *Conn {
	if queue <= 0 {
		queue = 256
	}
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		WS:     ws,
		Out:    make(chan []byte, queue),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Conn) Handle() Handle { return c.handle }

// Enqueue never blocks. It reports false when the queue is full or the
// connection is closing.
func (c *Conn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Out <- b:
		return true
	default:
		return false
	}
}

// Close stops the heartbeat timer and closes Out, which ends the writer.
// Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Out)
}

func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// ResetHeartbeat records a beat and re-arms the timeout. onExpire runs on
// the timer goroutine with the sequence number of the beat that armed it;
// pass it to Registry.RemoveExpired so a beat landing in between wins.
func (c *Conn) ResetHeartbeat(now time.Time, timeout time.Duration, onExpire func(seq uint64)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.removed {
		return false
	}
	c.lastHeartbeat = now
	c.stopTimerLocked()
	seq := c.hbSeq
	c.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		live := !c.closed && !c.removed && c.hbSeq == seq
		c.mu.Unlock()
		if live {
			onExpire(seq)
		}
	})
	return true
}

func (c *Conn) StopHeartbeat() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
}

func (c *Conn) stopTimerLocked() {
	c.hbSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

const shardCount = 32

type index struct {
	mu sync.RWMutex
	m  map[string]map[Handle]*Conn
}

func (ix *index) add(key string, c *Conn) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.m[key]
	if !ok {
		set = make(map[Handle]*Conn)
		ix.m[key] = set
	}
	if _, dup := set[c.handle]; dup {
		return false
	}
	set[c.handle] = c
	return true
}

// del returns how many members key has left.
func (ix *index) del(key string, h Handle) (remaining int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.m[key]
	if !ok {
		return 0
	}
	delete(set, h)
	if len(set) == 0 {
		delete(ix.m, key)
	}
	return len(set)
}

func (ix *index) list(key string) []*Conn {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.m[key]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (ix *index) count(key string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.m[key])
}

type slot struct {
	gen  uint32
	conn *Conn
}

// Registry is owned by one Gateway; there is no package-level instance.
type Registry struct {
	slotsMu sync.RWMutex
	slots   []slot
	free    []uint32

	users [shardCount]index
	rooms [shardCount]index
	n     atomic.Int64
}

func New() *Registry {
	r := &Registry{}
	for i := range r.users {
		r.users[i].m = make(map[string]map[Handle]*Conn)
		r.rooms[i].m = make(map[string]map[Handle]*Conn)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) userIndex(uid string) *index  { return &r.users[shardOf(uid)] }
func (r *Registry) roomIndex(room string) *index { return &r.rooms[shardOf(room)] }

// Add registers c and assigns its handle.
func (r *Registry) Add(c *Conn) Handle {
	r.slotsMu.Lock()
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	s.gen++
	s.conn = c
	c.handle = Handle{Index: idx, Gen: s.gen}
	r.slotsMu.Unlock()

	r.userIndex(c.UserID).add(c.UserID, c)
	r.n.Add(1)
	return c.handle
}

func (r *Registry) Get(h Handle) (*Conn, bool) {
	r.slotsMu.RLock()
	defer r.slotsMu.RUnlock()
	if int(h.Index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[h.Index]
	if s.conn == nil || s.gen != h.Gen {
		return nil, false
	}
	return s.conn, true
}

// Remove unregisters the connection and drops it from every room. last is
// true when it was the user's only connection on this instance.
func (r *Registry) Remove(h Handle) (c *Conn, last bool, ok bool) {
	r.slotsMu.Lock()
	if int(h.Index) >= len(r.slots) || r.slots[h.Index].gen != h.Gen || r.slots[h.Index].conn == nil {
		r.slotsMu.Unlock()
		return nil, false, false
	}
	c = r.slots[h.Index].conn
	r.slots[h.Index].conn = nil
	r.free = append(r.free, h.Index)
	r.slotsMu.Unlock()

	c.mu.Lock()
	c.removed = true
	c.stopTimerLocked()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	for _, room := range rooms {
		r.roomIndex(room).del(room, h)
	}
	remaining := r.userIndex(c.UserID).del(c.UserID, h)
	r.n.Add(-1)
	return c, remaining == 0, true
}

// RemoveExpired removes the connection only if no heartbeat was recorded
// since the one that armed seq. The check and the claim happen under c.mu,
// so a concurrent ResetHeartbeat either cancels the removal or is refused.
func (r *Registry) RemoveExpired(h Handle, seq uint64) (c *Conn, last bool, ok bool) {
	c, ok = r.Get(h)
	if !ok {
		return nil, false, false
	}
	c.mu.Lock()
	if c.removed || c.closed || c.hbSeq != seq {
		c.mu.Unlock()
		return nil, false, false
	}
	c.removed = true
	c.mu.Unlock()
	return r.Remove(h)
}

// Join adds the connection to room and reports whether it was newly added.
func (r *Registry) Join(h Handle, room string) (bool, error) {
	c, ok := r.Get(h)
	if !ok {
		return false, ErrStaleHandle
	}
	// c.mu is held across the index update so a concurrent Remove cannot
	// miss this room.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return false, ErrStaleHandle
	}
	if _, in := c.rooms[room]; in {
		return false, nil
	}
	c.rooms[room] = struct{}{}
	r.roomIndex(room).add(room, c)
	return true, nil
}

// Leave removes the connection from room and reports whether it was a member.
func (r *Registry) Leave(h Handle, room string) (bool, error) {
	c, ok := r.Get(h)
	if !ok {
		return false, ErrStaleHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return false, ErrStaleHandle
	}
	if _, in := c.rooms[room]; !in {
		return false, nil
	}
	delete(c.rooms, room)
	r.roomIndex(room).del(room, h)
	return true, nil
}

func (r *Registry) UserConns(uid string) []*Conn  { return r.userIndex(uid).list(uid) }
func (r *Registry) RoomConns(room string) []*Conn { return r.roomIndex(room).list(room) }
func (r *Registry) UserConnCount(uid string) int  { return r.userIndex(uid).count(uid) }
func (r *Registry) RoomSize(room string) int      { return r.roomIndex(room).count(room) }
func (r *Registry) Len() int                      { return int(r.n.Load()) }

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.slotsMu.RLock()
	defer r.slotsMu.RUnlock()
	out := make([]*Conn, 0, r.Len())
	for _, s := range r.slots {
		if s.conn != nil {
			out = append(out, s.conn)
		}
	}
	return out
}
