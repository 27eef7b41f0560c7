package client

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// Typing defaults.
const (
	DefaultTypingIdle    = 3 * time.Second
	DefaultTypingTimeout = 5 * time.Second
)

// TypingDebouncer turns a stream of keystrokes in one room into a single
// typing signal followed by a single stopTyping once the user goes idle.
type TypingDebouncer struct {
	emit  func(protocol.Action)
	clock Clock
	idle  time.Duration

	mu     sync.Mutex
	typing bool
	seq    uint64
	timer  Timer
}

// NewTypingDebouncer returns a debouncer calling emit with typing or
// stopTyping. A zero idle uses DefaultTypingIdle; a nil clock the wall clock.
func NewTypingDebouncer(emit func(protocol.Action), clock Clock, idle time.Duration) *TypingDebouncer {
	if clock == nil {
		clock = RealClock()
	}
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingDebouncer{emit: emit, clock: clock, idle: idle}
}

// Keystroke records input. The first keystroke after idle emits typing;
// every keystroke restarts the idle timer.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	start := !d.typing
	d.typing = true
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.idle, func() { d.expire(seq) })
	d.mu.Unlock()

	if start {
		d.emit(protocol.ActionTyping)
	}
}

func (d *TypingDebouncer) expire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(protocol.ActionStopTyping)
}

// Flush emits stopTyping now if typing is in progress. Call it when the
// message is sent.
func (d *TypingDebouncer) Flush() {
	if d.reset() {
		d.emit(protocol.ActionStopTyping)
	}
}

// Stop cancels the idle timer without emitting anything.
func (d *TypingDebouncer) Stop() {
	d.reset()
}

func (d *TypingDebouncer) reset() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasTyping := d.typing
	d.typing = false
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return wasTyping
}

// Typing reports whether a typing signal is outstanding.
func (d *TypingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

type typingKey struct {
	room string
	user string
}

type typingEntry struct {
	seq   uint64
	timer Timer
}

// TypingIndicator tracks who is typing in each room from relayed signals.
// An entry clears on stopTyping or after its own timeout, so a peer that
// disconnects mid-typing does not stay "typing" forever.
type TypingIndicator struct {
	clock    Clock
	timeout  time.Duration
	self     string
	onChange func(room string)

	mu      sync.Mutex
	seq     uint64
	entries map[typingKey]*typingEntry
}

// NewTypingIndicator returns an indicator that ignores signals from self and
// calls onChange, if set, whenever a room's typing set changes.
func NewTypingIndicator(self string, clock Clock, timeout time.Duration, onChange func(room string)) *TypingIndicator {
	if clock == nil {
		clock = RealClock()
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingIndicator{
		clock:    clock,
		timeout:  timeout,
		self:     self,
		onChange: onChange,
		entries:  make(map[typingKey]*typingEntry),
	}
}

// Observe applies a relayed frame. Frames other than typing signals are ignored.
func (t *TypingIndicator) Observe(f protocol.Frame) {
	if !protocol.IsTyping(f.Action) || f.UserID == "" || f.UserID == t.self {
		return
	}

	key := typingKey{room: f.Room, user: f.UserID}
	var changed bool
	if f.Action == protocol.ActionTyping {
		changed = t.start(key)
	} else {
		changed = t.clear(key, 0)
	}
	if changed && t.onChange != nil {
		t.onChange(f.Room)
	}
}

func (t *TypingIndicator) start(key typingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	seq := t.seq
	entry, existed := t.entries[key]
	if existed {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		t.entries[key] = entry
	}
	entry.seq = seq
	entry.timer = t.clock.AfterFunc(t.timeout, func() {
		if t.clear(key, seq) && t.onChange != nil {
			t.onChange(key.room)
		}
	})
	return !existed
}

// clear removes key. A non-zero seq only clears the entry it was armed for.
func (t *TypingIndicator) clear(key typingKey, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok || (seq != 0 && entry.seq != seq) {
		return false
	}
	entry.timer.Stop()
	delete(t.entries, key)
	return true
}

// Typing returns the users currently typing in room, sorted.
func (t *TypingIndicator) Typing(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for key := range t.entries {
		if key.room == room {
			users = append(users, key.user)
		}
	}
	sort.Strings(users)
	return users
}

// Reset drops every entry, for example after the channel is lost.
func (t *TypingIndicator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, key)
	}
}
