package realtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillpress/realtime/internal/transport"
)

// fakeClock fires timers only from Advance, on the calling goroutine
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Active returns the delays of timers that are neither stopped nor fired
func (c *fakeClock) Active() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeTransport) Open(endpoint string, h transport.Handler) transport.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{endpoint: endpoint, handler: h, subs: make(map[string]fakeSub)}
	f.conns = append(f.conns, c)
	return c
}

func (f *fakeTransport) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTransport) Last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeSub struct {
	destination string
	fn          transport.MessageFunc
}

type sentMessage struct {
	destination string
	body        string
}

type fakeConn struct {
	endpoint string
	handler  transport.Handler

	mu           sync.Mutex
	subs         map[string]fakeSub
	nextID       int
	calls        []string
	sent         []sentMessage
	closed       bool
	failSubOnDst string
}

func (c *fakeConn) Subscribe(destination string, fn transport.MessageFunc) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", transport.ErrNotOpen
	}
	if destination == c.failSubOnDst {
		return "", fmt.Errorf("broker refused %s", destination)
	}
	c.nextID++
	id := fmt.Sprintf("sub-%d", c.nextID)
	c.subs[id] = fakeSub{destination: destination, fn: fn}
	c.calls = append(c.calls, "subscribe "+destination)
	return id, nil
}

func (c *fakeConn) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return nil
	}
	delete(c.subs, id)
	c.calls = append(c.calls, "unsubscribe")
	return nil
}

func (c *fakeConn) Send(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotOpen
	}
	c.sent = append(c.sent, sentMessage{destination: destination, body: string(body)})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.calls = append(c.calls, "close")
	}
	return nil
}

// Deliver pushes body to every subscription on destination and reports how
// many received it.
func (c *fakeConn) Deliver(destination, body string) int {
	c.mu.Lock()
	var fns []transport.MessageFunc
	var ids []string
	for id, s := range c.subs {
		if s.destination == destination {
			fns = append(fns, s.fn)
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for i, fn := range fns {
		fn(transport.Message{Subscription: ids[i], Destination: destination, Body: []byte(body)})
	}
	return len(fns)
}

func (c *fakeConn) Destinations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.subs {
		out = append(out, s.destination)
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConn) Sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}
